// HTTP ingress for the router: unary and streaming generation endpoints
// plus a health probe backed by the generation-health flag.

package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/genroute/genroute/router"
)

// Tokenizer counts the prompt tokens of a request at ingress. The concrete
// tokenizer belongs to the model deployment; the gateway only needs the
// count.
type Tokenizer interface {
	CountTokens(text string) int
}

// Server is the HTTP front of the batcher.
type Server struct {
	batcher   *router.Batcher
	tokenizer Tokenizer
	health    *atomic.Bool
	engine    *gin.Engine
}

// NewServer wires the routes. health is the batcher's generation-health
// flag: false after a failed backend call, true after one that returned a
// result.
func NewServer(batcher *router.Batcher, tokenizer Tokenizer, health *atomic.Bool) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		batcher:   batcher,
		tokenizer: tokenizer,
		health:    health,
		engine:    gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.POST("/v1/generate", s.handleGenerate)
	s.engine.POST("/v1/generate_stream", s.handleGenerateStream)
	s.engine.GET("/health", s.handleHealth)
	return s
}

// Handler exposes the underlying handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	logrus.Infof("Gateway listening on %s", addr)
	return s.engine.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health.Load() {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusServiceUnavailable, errorBody{Error: "generation unhealthy"})
}

func (s *Server) handleGenerate(c *gin.Context) {
	body, reqID, ok := s.bindRequest(c)
	if !ok {
		return
	}

	inputLength := s.tokenizer.CountTokens(body.Inputs)
	resp, err := s.batcher.Infer(c.Request.Context(), inputLength, body.toRequest())
	if err != nil {
		s.writeInferError(c, reqID, err)
		return
	}

	logrus.Infof("Request %s finished: reason=%s tokens=%d", reqID, resp.Reason, resp.GenTokenCount)
	c.JSON(http.StatusOK, toGenerateResponse(resp, body.Parameters.IncludeInputTokens))
}

func (s *Server) handleGenerateStream(c *gin.Context) {
	body, reqID, ok := s.bindRequest(c)
	if !ok {
		return
	}

	inputLength := s.tokenizer.CountTokens(body.Inputs)
	onClose := func(tokenCount uint32, reason router.StopReason, times *router.Times, output string, err error) {
		if err != nil {
			logrus.Warnf("Stream %s closed: reason=%s tokens=%d error=%v", reqID, reason, tokenCount, err)
			return
		}
		logrus.Infof("Stream %s closed: reason=%s tokens=%d chars=%d", reqID, reason, tokenCount, len(output))
	}

	stream, err := s.batcher.InferStream(c.Request.Context(), inputLength, body.toRequest(), onClose)
	if err != nil {
		s.writeInferError(c, reqID, err)
		return
	}
	defer stream.Close()
	// A disconnected client stops the stream so generation is not wasted on
	// a reply nobody reads.
	stop := context.AfterFunc(c.Request.Context(), stream.Cancel)
	defer stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	for {
		item, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			c.SSEvent("error", errorBody{Error: err.Error()})
			c.Writer.Flush()
			return
		}

		ev := streamEvent{
			Text:            item.OutputText,
			GeneratedTokens: item.GenTokenCount,
			Tokens:          item.Tokens.Final(),
			Times:           toTimesBody(item.Times),
		}
		name := "token"
		switch {
		case item.Reason != router.StopNotFinished:
			name = "final"
			reason := item.Reason
			ev.StopReason = &reason
			ev.Seed = item.Seed
		case item.GenTokenCount == 0:
			name = "input"
			ev.InputTokenCount = item.InTokenCount
			ev.Seed = item.Seed
			if body.Parameters.IncludeInputTokens {
				ev.InputTokens = item.InTokens.Final()
			}
		}

		c.SSEvent(name, ev)
		c.Writer.Flush()
	}
}

func (s *Server) bindRequest(c *gin.Context) (body generateBody, reqID string, ok bool) {
	reqID = uuid.NewString()
	c.Header("X-Request-ID", reqID)

	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: "invalid request body: " + err.Error()})
		return body, reqID, false
	}
	if err := body.validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		return body, reqID, false
	}
	return body, reqID, true
}

func (s *Server) writeInferError(c *gin.Context, reqID string, err error) {
	if errors.Is(err, router.ErrRequestQueueFull) {
		logrus.Warnf("Request %s rejected: queue full", reqID)
		c.JSON(http.StatusTooManyRequests, errorBody{Error: err.Error()})
		return
	}
	logrus.Warnf("Request %s failed: %v", reqID, err)
	c.JSON(http.StatusFailedDependency, errorBody{Error: err.Error()})
}

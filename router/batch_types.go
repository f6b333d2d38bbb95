package router

import "fmt"

// BatchType abstracts the backend's batch shape constraints. CanFit is a
// pure predicate over the candidate prefix of queued entries plus the
// current in-flight entries; the queue consults it while extending the
// prefix one entry at a time.
type BatchType interface {
	CanFit(candidates []*Entry, inFlight map[uint64]*Entry) bool
}

// SizeOnlyBatch imposes no constraint beyond the configured batch-size
// limit, which the queue enforces separately.
type SizeOnlyBatch struct{}

func (SizeOnlyBatch) CanFit(_ []*Entry, _ map[uint64]*Entry) bool {
	return true
}

// TokenBudgetBatch bounds the total token weight of a combined batch. Each
// entry weighs its prompt length plus its maximum remaining generation, the
// worst-case sequence length it can reach.
type TokenBudgetBatch struct {
	MaxBatchWeight int
}

func (t TokenBudgetBatch) CanFit(candidates []*Entry, inFlight map[uint64]*Entry) bool {
	weight := 0
	for _, e := range candidates {
		weight += entryWeight(e)
	}
	for _, e := range inFlight {
		weight += entryWeight(e)
	}
	return weight <= t.MaxBatchWeight
}

func entryWeight(e *Entry) int {
	remaining := e.request.Parameters.MaxNewTokens - int(e.generatedTokens)
	if remaining < 0 {
		remaining = 0
	}
	return e.inputLength + remaining
}

// ValidBatchTypes lists the recognized batch type names.
var ValidBatchTypes = []string{"size-only", "token-budget"}

// NewBatchType creates a batch type by name. An empty string defaults to
// size-only (for CLI flag default compatibility). Panics on unrecognized
// names.
func NewBatchType(name string, maxBatchWeight int) BatchType {
	switch name {
	case "", "size-only":
		return SizeOnlyBatch{}
	case "token-budget":
		return TokenBudgetBatch{MaxBatchWeight: maxBatchWeight}
	default:
		panic(fmt.Sprintf("unknown batch type %q", name))
	}
}

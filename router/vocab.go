// VocabDecoder: a Decoder backed by a JSON vocabulary file. It covers plain
// word/byte-piece vocabularies; models with more elaborate detokenization
// rules plug in their own Decoder.

package router

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type vocabFile struct {
	Tokens     []string `json:"tokens"`
	EOSTokenID uint32   `json:"eos_token_id"`
}

// VocabDecoder maps token ids to their literal string payloads.
type VocabDecoder struct {
	tokens []string
	eos    uint32
}

// LoadVocab reads a vocabulary file of the form
// {"tokens": ["<s>", "hello", ...], "eos_token_id": 2}.
func LoadVocab(path string) (*VocabDecoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocab: %w", err)
	}
	var vf vocabFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parsing vocab %s: %w", path, err)
	}
	if len(vf.Tokens) == 0 {
		return nil, fmt.Errorf("vocab %s contains no tokens", path)
	}
	if int(vf.EOSTokenID) >= len(vf.Tokens) {
		return nil, fmt.Errorf("vocab %s: eos token id %d out of range", path, vf.EOSTokenID)
	}
	return &VocabDecoder{tokens: vf.Tokens, eos: vf.EOSTokenID}, nil
}

// NewVocabDecoder builds a decoder from an in-memory vocabulary.
func NewVocabDecoder(tokens []string, eosTokenID uint32) *VocabDecoder {
	return &VocabDecoder{tokens: tokens, eos: eosTokenID}
}

func (v *VocabDecoder) TokenBytes(id uint32) ([]byte, error) {
	if int(id) >= len(v.tokens) {
		return nil, fmt.Errorf("token id %d out of vocabulary range %d", id, len(v.tokens))
	}
	return []byte(v.tokens[id]), nil
}

func (v *VocabDecoder) Decode(ids []uint32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		b, err := v.TokenBytes(id)
		if err != nil {
			return "", err
		}
		sb.Write(b)
	}
	return sb.String(), nil
}

func (v *VocabDecoder) EOSTokenID() uint32 {
	return v.eos
}

package gateway

import "strings"

// WordTokenizer approximates prompt length by whitespace-separated words.
// Deployments with a real tokenizer provide their own Tokenizer; the word
// count keeps the queue's token budget meaningful without one.
type WordTokenizer struct{}

func (WordTokenizer) CountTokens(text string) int {
	return len(strings.Fields(text))
}

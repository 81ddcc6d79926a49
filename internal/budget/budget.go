// Package budget estimates token usage and trims prompt material so a
// generation request fits the model's context window. Backends use
// different tokenizers, so estimation is a character heuristic:
// 1 token ≈ 4 characters of English prose or code.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// perMessageOverhead approximates the framing tokens chat APIs add to
	// every message.
	perMessageOverhead = 4

	// DefaultMaxContextTokens is the default input budget. It fits 8k-context
	// models with room left for the answer.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s. Any non-empty string costs at
// least one token.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages sums role, content, and framing for every message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + Estimate(string(m.Role)) + Estimate(m.Content)
	}
	return total
}

// TrimHistory drops the oldest history turns until fixed + history fits in
// maxTokens. fixed (system prompt, retrieved context, the current question)
// is never trimmed; when fixed alone is over budget the result is empty.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	fixedTokens := EstimateMessages(fixed)
	for len(history) > 0 && fixedTokens+EstimateMessages(history) > maxTokens {
		history = history[1:]
	}
	return history
}

// TrimContext keeps the longest prefix of docs whose estimated size fits in
// maxTokens. docs are ranked best-first, so the lowest-ranked are dropped.
// The first document is always kept so the model never loses its best source.
func TrimContext(docs []string, maxTokens int) []string {
	used := 0
	for i, d := range docs {
		used += Estimate(d)
		if used > maxTokens && i > 0 {
			return docs[:i]
		}
	}
	return docs
}

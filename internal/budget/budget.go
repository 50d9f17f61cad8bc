// Package budget provides token budget estimation and snippet trimming for
// prompts sent to the answer model. Because codeqa supports several LLM
// backends with different tokenizers, this package uses a conservative
// character-based heuristic: 1 token is about 4 characters of code or prose.
package budget

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default prompt budget in tokens. Small
	// enough to fit 8k-context local models with room left for the answer.
	DefaultMaxContextTokens = 6000

	// truncationMarker is appended to a snippet cut to fit the budget.
	truncationMarker = "\n... (truncated)"

	// minTruncateTokens is the smallest leftover budget spent on a partial
	// snippet after at least one snippet was kept whole.
	minTruncateTokens = 32

	codeFence = "```"
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a rendered
// prompt, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Each message has a small per-message overhead (~4 tokens in most APIs).
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// FitSnippets returns the snippets that fit within maxTokens once fixedTokens
// (the prompt around the snippets) is spent. Snippets are ordered most
// relevant first: the furthest are dropped first, and the first snippet that
// overflows is truncated into whatever budget is left so the last kept
// snippet may be partial. A leftover smaller than minTruncateTokens is not
// worth a fragment unless nothing fit at all, so the model always sees some
// code. maxTokens <= 0 disables trimming.
func FitSnippets(fixedTokens int, snippets []string, maxTokens int) []string {
	if maxTokens <= 0 || len(snippets) == 0 {
		return snippets
	}

	remaining := maxTokens - fixedTokens
	out := make([]string, 0, len(snippets))
	for _, s := range snippets {
		cost := Estimate(s)
		if cost <= remaining {
			out = append(out, s)
			remaining -= cost
			continue
		}
		if len(out) == 0 || remaining >= minTruncateTokens {
			out = append(out, truncate(s, remaining))
		}
		break
	}
	return out
}

// truncate cuts s to roughly tokens tokens and marks the cut. A snippet that
// ends with a closing code fence keeps it, so the cut block stays closed.
// The cut never splits a multi-byte UTF-8 sequence.
func truncate(s string, tokens int) string {
	body, closing := s, ""
	if strings.HasSuffix(s, "\n"+codeFence) {
		body, closing = s[:len(s)-len(codeFence)-1], "\n"+codeFence
	}

	limit := tokens*charsPerToken - len(truncationMarker) - len(closing)
	if limit >= len(body) {
		return s
	}
	if limit <= 0 {
		return truncationMarker[1:]
	}
	for limit > 0 && !isRuneStart(body[limit]) {
		limit--
	}
	cut := body[:limit]
	if !strings.Contains(cut, codeFence) {
		// The opening fence was cut too.
		closing = ""
	}
	return cut + truncationMarker + closing
}

// isRuneStart reports whether b can begin a UTF-8 encoded rune.
func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

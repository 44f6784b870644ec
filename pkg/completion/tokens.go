package completion

import (
	"math"
	"strings"
)

// EstimateTokens approximates the token count of s without a tokenizer:
// the average of a character-based estimate (4 chars per token) and a
// word-based one (1.3 tokens per word), rounded, floored at 1. Good
// enough for budget accounting; never used for billing.
func EstimateTokens(s string) int {
	byChars := float64(len(s)) / 4
	byWords := float64(len(strings.Fields(s))) * 1.3
	est := int(math.Round((byChars + byWords) / 2))
	if est < 1 {
		return 1
	}
	return est
}

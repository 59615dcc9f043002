package obligation

import (
	"math"
	"strings"
)

// Resolver decides whether a free-text response plausibly covers an
// obligation's required outcome. The default keyword strategy is a heuristic;
// it can be swapped for a stricter matcher without touching the ledger's
// state machine.
type Resolver interface {
	Covers(requiredOutcome, response string) bool
}

// KeywordResolver matches when the response contains at least a configurable
// share of the outcome's significant keywords (lowercase tokens longer than
// three characters). Default threshold is 30%.
type KeywordResolver struct {
	Threshold   float64
	MinTokenLen int
}

// NewKeywordResolver creates a resolver with the default 30% threshold.
func NewKeywordResolver() *KeywordResolver {
	return &KeywordResolver{Threshold: 0.3, MinTokenLen: 3}
}

func (r *KeywordResolver) Covers(requiredOutcome, response string) bool {
	tokens := r.significantTokens(requiredOutcome)
	if len(tokens) == 0 {
		return false
	}

	needed := int(math.Ceil(r.Threshold * float64(len(tokens))))
	if needed < 1 {
		needed = 1
	}

	lowered := strings.ToLower(response)
	matched := 0
	for _, token := range tokens {
		if strings.Contains(lowered, token) {
			matched++
			if matched >= needed {
				return true
			}
		}
	}
	return false
}

func (r *KeywordResolver) significantTokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(c rune) bool {
		return !('a' <= c && c <= 'z') && !('0' <= c && c <= '9')
	})

	seen := make(map[string]struct{}, len(fields))
	var tokens []string
	for _, f := range fields {
		if len(f) <= r.MinTokenLen {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

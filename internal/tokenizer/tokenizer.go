// Package tokenizer estimates token counts for billing. True tokenization is
// provider-internal, so the counter is an injectable strategy: the default
// character heuristic can be swapped for a real BPE encoder without touching
// the budget policy contracts.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts billable tokens in a piece of text.
type Estimator interface {
	Count(text string) int
}

// Heuristic approximates roughly four characters per token, rounding up.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Tiktoken counts exact BPE tokens for a named encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// FromConfig builds the estimator selected by configuration.
func FromConfig(name, encoding string) (Estimator, error) {
	switch name {
	case "tiktoken":
		return NewTiktoken(encoding)
	default:
		return Heuristic{}, nil
	}
}

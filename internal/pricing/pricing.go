// Package pricing translates token counts into monetary cost estimates.
package pricing

// Rates holds the per-token-class prices in EUR per million tokens.
type Rates struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// EstimateCost computes the estimated cost in EUR for a token usage pair.
// Pure and additive: EstimateCost(a+b, c+d) == EstimateCost(a, c) + EstimateCost(b, d).
// Negative inputs are a caller contract violation, not a runtime failure mode.
func EstimateCost(tokensIn, tokensOut int64, r Rates) float64 {
	costIn := float64(tokensIn) / 1_000_000 * r.InputPerMTok
	costOut := float64(tokensOut) / 1_000_000 * r.OutputPerMTok
	return costIn + costOut
}

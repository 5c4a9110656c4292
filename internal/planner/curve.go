package planner

import (
	"math"
	"math/rand/v2"
)

// Curve is the acceptance curve p(idx) = (K / (idx + C)) ^ D. For positive
// constants it is strictly decreasing in idx, so older posts are topped up
// less often.
type Curve struct {
	K float64 `json:"k"`
	C float64 `json:"c"`
	D float64 `json:"d"`
}

// Weight returns p(idx) clamped to 1.
func (c Curve) Weight(idx int) float64 {
	w := math.Pow(c.K/(float64(idx)+c.C), c.D)
	if w > 1 || math.IsNaN(w) || math.IsInf(w, 0) {
		return 1
	}
	return w
}

// Accept flips one coin weighted by Weight(idx).
func (c Curve) Accept(rng *rand.Rand, idx int) bool {
	return rng.Float64() < c.Weight(idx)
}

// drawTarget returns base +/- uniform(deviation), never negative.
func drawTarget(rng *rand.Rand, base, deviation int) int {
	t := base
	if deviation > 0 {
		t += rng.IntN(2*deviation+1) - deviation
	}
	if t < 0 {
		return 0
	}
	return t
}

package opponent

import "math/rand"

// DefaultSpread is the rating distance at which an opponent's weight starts
// to fall below 1.
const DefaultSpread = 35.0

// Weight is the selection weight of an opponent rated opp for an agent rated
// center: 1 within spread d, then decaying with the inverse square of the
// distance. It is always in [0, 1].
func Weight(opp, center, d float64) float64 {
	if opp == center {
		return 1
	}
	x := (opp - center) / d
	w := 1 / (x * x)
	if w > 1 {
		return 1
	}
	return w
}

// Weights computes Weight for every rating.
func Weights(ratings []float64, center, d float64) []float64 {
	out := make([]float64, len(ratings))
	for i, r := range ratings {
		out[i] = Weight(r, center, d)
	}
	return out
}

// Choose samples an index with probability proportional to w, falling back
// to a uniform pick when every weight is zero. w must not be empty.
func Choose(rng *rand.Rand, w []float64) int {
	total := 0.0
	for _, v := range w {
		total += v
	}
	if total <= 0 {
		return rng.Intn(len(w))
	}
	x := rng.Float64() * total
	for i, v := range w {
		x -= v
		if x < 0 {
			return i
		}
	}
	return len(w) - 1
}

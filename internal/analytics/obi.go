package analytics

import "math"

// Order Book Imbalance: distance-weighted (bid − ask) liquidity normalized
// to [-1, +1]. Level i (0 = top of book) carries weight alpha^i, 0 < alpha ≤ 1,
// so a smaller alpha concentrates weight at the top of the book.

// ObiResult carries the computed imbalance plus the effective parameters so
// downstream consumers can report what was actually used.
type ObiResult struct {
	Value  float64
	Alpha  float64
	Levels int
}

func sanitize(arr []float64) []float64 {
	out := make([]float64, len(arr))
	for i, x := range arr {
		if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
			continue
		}
		out[i] = x
	}
	return out
}

func at(arr []float64, i int) float64 {
	if i < len(arr) {
		return arr[i]
	}
	return 0
}

// ChooseAlpha picks a decay when none is configured: start at 0.5, steepen
// (−0.1) when top-of-book dominates deeper queues by >2x across both sides,
// flatten (+0.1) when the deeper queues dominate. Clamped to [0.3, 0.8].
func ChooseAlpha(qb, qa []float64) float64 {
	alpha := 0.5
	l1 := at(qb, 0) + at(qa, 0)
	deeper := 0.0
	for i := 1; i < len(qb); i++ {
		deeper += qb[i]
	}
	for i := 1; i < len(qa); i++ {
		deeper += qa[i]
	}
	switch {
	case l1 > 0 && deeper > 0 && l1 > 2*deeper:
		alpha -= 0.1
	case l1 > 0 && deeper > 0 && deeper > 2*l1:
		alpha += 0.1
	case l1 > 0 && deeper == 0:
		alpha -= 0.1
	case deeper > 0 && l1 == 0:
		alpha += 0.1
	}
	return math.Max(0.3, math.Min(0.8, alpha))
}

// ComputeOBI is a pure function of the top-of-book size ladders (best level
// first). levels <= 0 derives the depth from whichever side is deeper; alpha
// outside (0, 1] triggers the ChooseAlpha heuristic. An empty or zero book
// yields the neutral 0 sentinel, never an error.
func ComputeOBI(qb, qa []float64, alpha float64, levels int) ObiResult {
	qb = sanitize(qb)
	qa = sanitize(qa)

	l := levels
	if l <= 0 {
		l = max(len(qb), len(qa))
	}
	l = min(l, 10)
	if l <= 0 {
		return ObiResult{Value: 0, Alpha: alpha, Levels: 0}
	}

	a := alpha
	if !(a > 0 && a <= 1) || math.IsNaN(a) {
		a = ChooseAlpha(qb, qa)
	}

	num, den := 0.0, 0.0
	w := 1.0
	for i := 0; i < l; i++ {
		b, k := at(qb, i), at(qa, i)
		num += w * (b - k)
		den += w * (b + k)
		w *= a
	}
	if den <= 0 {
		return ObiResult{Value: 0, Alpha: a, Levels: l}
	}
	obi := num / den
	return ObiResult{Value: math.Max(-1, math.Min(1, obi)), Alpha: a, Levels: l}
}

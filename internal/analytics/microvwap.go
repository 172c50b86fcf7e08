package analytics

import (
	"math"
	"time"
)

// MicroVWAP keeps a trailing time window of trades and serves the
// volume-weighted average price, the volume-weighted price deviation, and
// the derived bands vwap ± k·sigma. The window is maintained incrementally:
// expired trades are dropped from the running sums on each observation, the
// history is never rescanned.
type MicroVWAP struct {
	window time.Duration
	bandK  float64

	trades []microTrade
	head   int // index of the oldest live trade in trades

	sumV   float64 // Σ size
	sumPV  float64 // Σ price·size
	sumP2V float64 // Σ price²·size
}

type microTrade struct {
	at    time.Time
	price float64
	size  float64
}

func NewMicroVWAP(window time.Duration, bandK float64) *MicroVWAP {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if bandK <= 0 {
		bandK = 2.0
	}
	return &MicroVWAP{window: window, bandK: bandK}
}

func (m *MicroVWAP) BandK() float64 { return m.bandK }

// SetParams applies live tuning. Callers clamp; zero values keep the
// current setting.
func (m *MicroVWAP) SetParams(window time.Duration, bandK float64) {
	if window > 0 {
		m.window = window
	}
	if bandK > 0 {
		m.bandK = bandK
	}
}

// Observe ingests one trade at the given time and expires anything that has
// fallen out of the trailing window.
func (m *MicroVWAP) Observe(price float64, size int, at time.Time) {
	if size <= 0 || math.IsNaN(price) || price <= 0 {
		return
	}
	v := float64(size)
	m.trades = append(m.trades, microTrade{at: at, price: price, size: v})
	m.sumV += v
	m.sumPV += price * v
	m.sumP2V += price * price * v
	m.expire(at)
}

func (m *MicroVWAP) expire(now time.Time) {
	cutoff := now.Add(-m.window)
	for m.head < len(m.trades) && m.trades[m.head].at.Before(cutoff) {
		tr := m.trades[m.head]
		m.sumV -= tr.size
		m.sumPV -= tr.price * tr.size
		m.sumP2V -= tr.price * tr.price * tr.size
		m.head++
	}
	// reclaim once the dead prefix dominates
	if m.head > 1024 && m.head*2 > len(m.trades) {
		m.trades = append([]microTrade(nil), m.trades[m.head:]...)
		m.head = 0
	}
	if m.head == len(m.trades) {
		m.trades = m.trades[:0]
		m.head = 0
		m.sumV, m.sumPV, m.sumP2V = 0, 0, 0
	}
}

// Stats returns the current vwap and sigma. ok is false when the window has
// no volume, in which case callers should report the neutral "no data" form.
func (m *MicroVWAP) Stats() (vwap, sigma float64, ok bool) {
	if m.sumV <= 0 {
		return 0, 0, false
	}
	vwap = m.sumPV / m.sumV
	variance := m.sumP2V/m.sumV - vwap*vwap
	if variance < 0 { // numerical drift
		variance = 0
	}
	return vwap, math.Sqrt(variance), true
}

// Bands returns the lower and upper deviation bands.
func (m *MicroVWAP) Bands() (lower, upper float64, ok bool) {
	vwap, sigma, ok := m.Stats()
	if !ok {
		return 0, 0, false
	}
	return vwap - m.bandK*sigma, vwap + m.bandK*sigma, true
}

// Reset drops the window, for symbol swaps.
func (m *MicroVWAP) Reset() {
	m.trades = m.trades[:0]
	m.head = 0
	m.sumV, m.sumPV, m.sumP2V = 0, 0, 0
}

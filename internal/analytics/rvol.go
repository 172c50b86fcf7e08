package analytics

import (
	"math"
	"sort"
	"time"
)

// Relative volume against a per-minute-of-day median baseline. Two modes:
// pace (intraday, fires before the minute bar closes, scaled by elapsed
// seconds) and close (fired once when a minute rolls over).

// BaselineBar is one historical 1-minute bar for seeding.
type BaselineBar struct {
	Time   time.Time
	Volume int64
}

// RvolAlert is emitted when the ratio crosses the configured hot band.
type RvolAlert struct {
	Symbol              string  `json:"symbol"`
	Price               float64 `json:"price"`
	Volume              int64   `json:"volume"`
	Baseline            float64 `json:"baseline"`
	Rvol                float64 `json:"rvol"`
	Percentile          float64 `json:"percentile"`
	Samples             int     `json:"samples"`
	Nonzero             int     `json:"nonzero"`
	Pace                bool    `json:"pace"`
	ElapsedSec          int     `json:"elapsedSec,omitempty"`
	ProjectedVolume     int64   `json:"projectedVolume,omitempty"`
	ProjectedPercentile float64 `json:"projectedPercentile,omitempty"`
	Time                string  `json:"time"`
}

// sessionTZ anchors minute buckets to 04:00 exchange time (pre-market open).
// Falls back to UTC when tzdata is unavailable in the container.
var sessionTZ = func() *time.Location {
	if loc, err := time.LoadLocation("America/New_York"); err == nil {
		return loc
	}
	return time.UTC
}()

const (
	rvolCooldown     = 60 * time.Second
	rvolPaceThrottle = 250 * time.Millisecond
)

// Rvol tracks one symbol's intraday volume pace against seeded history.
// Single-writer, driven from the market loop; the clock is always passed in
// so replayed sessions stay deterministic.
type Rvol struct {
	hot    float64 // ratio that fires an alert (e.g. 2.0)
	danger float64 // informational second band (e.g. 3.0)

	symbol    string
	baselines map[int][]int64 // minute-of-day bucket -> historical 1-min volumes

	minuteStart      time.Time
	volSoFar         int64
	lastPaceCheck    time.Time
	lastPaceAlertAt  time.Time
	lastCloseAlertAt time.Time
	lastPrice        float64
}

func NewRvol(hot, danger float64) *Rvol {
	if hot <= 0 {
		hot = 2.0
	}
	if danger < hot {
		danger = hot
	}
	return &Rvol{hot: hot, danger: danger, baselines: map[int][]int64{}}
}

// StartSymbol clears history and live counters for a fresh subscription.
func (r *Rvol) StartSymbol(symbol string) {
	r.symbol = symbol
	r.baselines = map[int][]int64{}
	r.minuteStart = time.Time{}
	r.volSoFar = 0
	r.lastPaceCheck = time.Time{}
	r.lastPaceAlertAt = time.Time{}
	r.lastCloseAlertAt = time.Time{}
	r.lastPrice = 0
}

// SeedBaselineBar records one historical 1-minute bar. The backfill source
// (broker history API) lives outside this package.
func (r *Rvol) SeedBaselineBar(at time.Time, volume int64) {
	if volume < 0 {
		return
	}
	b := bucketIndex(at)
	if b >= 0 {
		r.baselines[b] = append(r.baselines[b], volume)
	}
}

// bucketIndex is the minute index since 04:00 session time of the same day.
func bucketIndex(at time.Time) int {
	local := at.In(sessionTZ)
	base := time.Date(local.Year(), local.Month(), local.Day(), 4, 0, 0, 0, sessionTZ)
	return int(local.Sub(base) / time.Minute)
}

// OnTrade ingests a live print and returns zero or more alerts. A minute
// rollover can yield a close alert and still count the new minute's first
// trade toward pace.
func (r *Rvol) OnTrade(price float64, size int, now time.Time) []RvolAlert {
	var out []RvolAlert
	if r.symbol == "" || size <= 0 {
		return out
	}
	if !math.IsNaN(price) && price > 0 {
		r.lastPrice = price
	}

	minuteStart := now.Truncate(time.Minute)
	if !minuteStart.Equal(r.minuteStart) {
		if !r.minuteStart.IsZero() && r.volSoFar > 0 {
			if a, ok := r.closeAlert(now); ok {
				out = append(out, a)
			}
		}
		r.minuteStart = minuteStart
		r.volSoFar = 0
		r.lastPaceCheck = time.Time{}
	}
	r.volSoFar += int64(size)

	if now.Sub(r.lastPaceCheck) < rvolPaceThrottle {
		return out
	}
	r.lastPaceCheck = now

	hist, median := r.bucketBaseline(bucketIndex(now))
	if median <= 0 {
		return out
	}

	elapsed := now.Sub(minuteStart).Seconds()
	elapsed = math.Max(1, math.Min(elapsed, 60))
	expected := median * (elapsed / 60)
	if expected <= 0 {
		return out
	}
	paceRvol := float64(r.volSoFar) / expected
	projected := int64(math.Round(float64(r.volSoFar) * (60 / elapsed)))

	if paceRvol < r.hot {
		return out
	}
	if now.Sub(r.lastPaceAlertAt) < rvolCooldown {
		return out
	}
	r.lastPaceAlertAt = now

	out = append(out, RvolAlert{
		Symbol:              r.symbol,
		Price:               price,
		Volume:              r.volSoFar,
		Baseline:            median,
		Rvol:                paceRvol,
		Percentile:          percentileRank(hist, r.volSoFar),
		Samples:             len(hist),
		Nonzero:             len(hist),
		Pace:                true,
		ElapsedSec:          int(elapsed),
		ProjectedVolume:     projected,
		ProjectedPercentile: percentileRank(hist, projected),
		Time:                now.In(sessionTZ).Format("15:04:05"),
	})
	return out
}

// closeAlert finalizes the just-finished minute.
func (r *Rvol) closeAlert(now time.Time) (RvolAlert, bool) {
	hist, median := r.bucketBaseline(bucketIndex(r.minuteStart))
	if median <= 0 {
		return RvolAlert{}, false
	}
	rvol := float64(r.volSoFar) / median
	if rvol < r.hot {
		return RvolAlert{}, false
	}
	if now.Sub(r.lastCloseAlertAt) < rvolCooldown {
		return RvolAlert{}, false
	}
	r.lastCloseAlertAt = now
	end := r.minuteStart.Add(59 * time.Second)
	return RvolAlert{
		Symbol:     r.symbol,
		Price:      r.lastPrice,
		Volume:     r.volSoFar,
		Baseline:   median,
		Rvol:       rvol,
		Percentile: percentileRank(hist, r.volSoFar),
		Samples:    len(hist),
		Nonzero:    len(hist),
		Pace:       false,
		Time:       end.In(sessionTZ).Format("15:04:05"),
	}, true
}

// Danger reports whether a ratio sits in the danger band.
func (r *Rvol) Danger(rvol float64) bool { return rvol >= r.danger }

// bucketBaseline returns the sorted nonzero history for a bucket and its
// median, or (nil, 0) when there is no usable history.
func (r *Rvol) bucketBaseline(bucket int) ([]int64, float64) {
	raw := r.baselines[bucket]
	if len(raw) == 0 {
		return nil, 0
	}
	hist := make([]int64, 0, len(raw))
	for _, v := range raw {
		if v > 0 {
			hist = append(hist, v)
		}
	}
	if len(hist) == 0 {
		return nil, 0
	}
	sort.Slice(hist, func(i, j int) bool { return hist[i] < hist[j] })
	mid := len(hist) / 2
	if len(hist)%2 == 1 {
		return hist, float64(hist[mid])
	}
	return hist, float64(hist[mid-1]+hist[mid]) / 2
}

// percentileRank is the percent of samples ≤ x, over sorted history.
func percentileRank(sorted []int64, x int64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	i := sort.Search(len(sorted), func(j int) bool { return sorted[j] > x })
	return 100 * float64(i) / float64(len(sorted))
}

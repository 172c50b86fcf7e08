package alert

import (
	"time"

	"github.com/shopspring/decimal"

	"depthwatch/internal/book"
	"depthwatch/internal/feed"
)

// Event is one threshold-crossing alert on an aggregated level.
type Event struct {
	Symbol    string          `json:"symbol"`
	Side      feed.Side       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	SumShares int             `json:"sumShares"`
	TimeISO   string          `json:"timeISO"`
}

type cooldownState int

const (
	armed cooldownState = iota
	cooling
)

type entry struct {
	state       cooldownState
	lastFiredAt time.Time
}

// Engine fires when a level's aggregated size first reaches the share
// threshold and de-duplicates repeats per (side, price) key. A key re-arms
// when the cooldown elapses or the level drops back under threshold,
// whichever comes first; the drop-below path means a re-cross fires without
// waiting out the clock. Entries are swept on each evaluation pass, never by
// per-key timers, so churn in the ladder cannot leak state.
type Engine struct {
	cooldown time.Duration
	entries  map[string]*entry
}

func NewEngine(cooldown time.Duration) *Engine {
	return &Engine{cooldown: cooldown, entries: map[string]*entry{}}
}

func key(side feed.Side, price decimal.Decimal) string {
	return string(side) + ":" + price.String()
}

// Evaluate checks one side's current top levels against the threshold and
// returns the alerts that pass cooldown. now is injected so replayed
// sessions behave identically run to run.
func (e *Engine) Evaluate(symbol string, side feed.Side, levels []book.AggregatedLevel, threshold int, now time.Time) []Event {
	if threshold < 1 {
		threshold = 1
	}
	var out []Event
	seen := make(map[string]bool, len(levels))

	for _, lvl := range levels {
		k := key(side, lvl.Price)
		seen[k] = true
		if lvl.SumShares < threshold {
			// under threshold: immediate re-arm
			delete(e.entries, k)
			continue
		}
		ent := e.entries[k]
		if ent != nil && ent.state == cooling && now.Sub(ent.lastFiredAt) < e.cooldown {
			continue
		}
		e.entries[k] = &entry{state: cooling, lastFiredAt: now}
		out = append(out, Event{
			Symbol:    symbol,
			Side:      side,
			Price:     lvl.Price,
			SumShares: lvl.SumShares,
			TimeISO:   now.UTC().Format(time.RFC3339Nano),
		})
	}

	// lazy sweep: drop entries for this side whose level left the top view
	// or whose cooldown ran out
	for k, ent := range e.entries {
		if len(k) < len(side) || k[:len(side)] != string(side) {
			continue
		}
		if !seen[k] || now.Sub(ent.lastFiredAt) >= e.cooldown {
			delete(e.entries, k)
		}
	}
	return out
}

// Reset clears all cooldown state, for symbol swaps.
func (e *Engine) Reset() {
	e.entries = map[string]*entry{}
}

// Pending reports how many keys are currently tracked (test hook).
func (e *Engine) Pending() int { return len(e.entries) }

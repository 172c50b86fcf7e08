package book

import (
	"slices"

	"github.com/shopspring/decimal"

	"depthwatch/internal/feed"
)

// AggregatedLevel is one row of the top-10 view: all source contributions at
// the same price summed together ("SMART" aggregation).
type AggregatedLevel struct {
	Price     decimal.Decimal `json:"price"`
	SumShares int             `json:"sumShares"`
	Rank      int             `json:"rank"` // 0 is best (highest bid / lowest ask)
}

type level struct {
	price    decimal.Decimal
	bySource map[string]int
}

func (l *level) total() int {
	sum := 0
	for _, s := range l.bySource {
		sum += s
	}
	return sum
}

type side struct {
	levels map[string]*level // canonical price key -> level
	bids   bool
}

// Aggregator maintains both book sides from raw per-source depth operations
// and serves sorted top-N views. It is not safe for concurrent use; the
// market loop is its single writer.
type Aggregator struct {
	ask       side
	bid       side
	depth     int
	malformed int
}

func NewAggregator(depth int) *Aggregator {
	if depth < 1 {
		depth = 10
	}
	return &Aggregator{
		ask:   side{levels: map[string]*level{}},
		bid:   side{levels: map[string]*level{}, bids: true},
		depth: depth,
	}
}

// canonicalPriceKey normalizes a Decimal so numerically equal values hash to
// the same key ("100.00" and "100" must aggregate together).
func canonicalPriceKey(p decimal.Decimal) string {
	return p.String()
}

// Apply mutates the book per one depth operation. Malformed operations
// (non-positive size on insert/update, delete of an absent price, unknown
// op or side) are ignored and counted, never fatal.
func (a *Aggregator) Apply(up feed.DepthUpdate) {
	s := a.sideFor(up.Side)
	if s == nil {
		a.malformed++
		return
	}
	key := canonicalPriceKey(up.Price)
	src := up.Source
	if src == "" {
		src = "SMART"
	}

	switch up.Op {
	case feed.OpInsert, feed.OpUpdate:
		if up.Size <= 0 {
			a.malformed++
			return
		}
		lvl, ok := s.levels[key]
		if !ok {
			lvl = &level{price: up.Price, bySource: map[string]int{}}
			s.levels[key] = lvl
		}
		lvl.bySource[src] = up.Size
	case feed.OpDelete:
		lvl, ok := s.levels[key]
		if !ok {
			a.malformed++
			return
		}
		delete(lvl.bySource, src)
		if lvl.total() <= 0 {
			delete(s.levels, key)
		}
	default:
		a.malformed++
	}
}

func (a *Aggregator) sideFor(sd feed.Side) *side {
	switch sd {
	case feed.Ask:
		return &a.ask
	case feed.Bid:
		return &a.bid
	}
	return nil
}

// Asks returns the best ≤depth ask levels, ascending by price, re-ranked 0..n.
func (a *Aggregator) Asks() []AggregatedLevel { return a.ask.top(a.depth) }

// Bids returns the best ≤depth bid levels, descending by price, re-ranked 0..n.
func (a *Aggregator) Bids() []AggregatedLevel { return a.bid.top(a.depth) }

// Sizes returns the aggregated share counts of the given view, best first.
func Sizes(view []AggregatedLevel) []float64 {
	out := make([]float64, len(view))
	for i, l := range view {
		out[i] = float64(l.SumShares)
	}
	return out
}

// Malformed reports how many operations were dropped as invalid.
func (a *Aggregator) Malformed() int { return a.malformed }

// Reset discards all levels on both sides.
func (a *Aggregator) Reset() {
	a.ask.levels = map[string]*level{}
	a.bid.levels = map[string]*level{}
}

func (s *side) top(n int) []AggregatedLevel {
	if len(s.levels) == 0 {
		return nil
	}
	all := make([]*level, 0, len(s.levels))
	for _, l := range s.levels {
		all = append(all, l)
	}
	slices.SortFunc(all, func(x, y *level) int {
		if s.bids {
			// best bid is highest price first
			return y.price.Cmp(x.price)
		}
		// best ask is lowest price first
		return x.price.Cmp(y.price)
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]AggregatedLevel, 0, len(all))
	for i, l := range all {
		out = append(out, AggregatedLevel{Price: l.price, SumShares: l.total(), Rank: i})
	}
	return out
}

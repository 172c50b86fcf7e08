package feed

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of the book. Always upper-case "ASK" or "BID".
type Side string

const (
	Ask Side = "ASK"
	Bid Side = "BID"
)

// Op is a depth mutation kind as reported by the upstream venue.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// DepthUpdate is one per-source depth operation. Aggregation is keyed on
// price; Position is the source-reported row index and is informational only.
type DepthUpdate struct {
	Side     Side            `json:"side"`
	Op       Op              `json:"op"`
	Position int             `json:"position"`
	Price    decimal.Decimal `json:"price"`
	Size     int             `json:"size"`
	Source   string          `json:"source"`
}

// Quote carries the top-of-book plus last trade print and session volume.
type Quote struct {
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	Last    float64 `json:"last"`
	Volume  int64   `json:"volume"`
	TimeISO string  `json:"timeISO"`
}

// Trade is one tape print.
type Trade struct {
	Price   float64 `json:"price"`
	Size    int     `json:"size"`
	TimeISO string  `json:"timeISO"`
}

// EventType discriminates the Event union.
type EventType string

const (
	TypeDepth EventType = "depth"
	TypeQuote EventType = "quote"
	TypeTrade EventType = "trade"
)

// Event is the normalized envelope every source emits. Exactly one of
// Depth/Quote/Trade is set according to Type.
type Event struct {
	Type   EventType
	Symbol string // canonical UPPER symbol
	Time   time.Time
	Depth  *DepthUpdate
	Quote  *Quote
	Trade  *Trade
}

package market

import (
	"depthwatch/internal/alert"
	"depthwatch/internal/analytics"
	"depthwatch/internal/book"
	"depthwatch/internal/feed"
	"depthwatch/internal/tape"
)

// BookStats is the derived header of a book broadcast. Pointer fields are
// null on the wire until the underlying datum exists (no trades yet, one
// side empty).
type BookStats struct {
	BestBid    *float64             `json:"bestBid"`
	BestAsk    *float64             `json:"bestAsk"`
	Spread     *float64             `json:"spread"`
	Last       *float64             `json:"last"`
	Volume     int64                `json:"volume"`
	Obi        float64              `json:"obi"`
	ObiAlpha   float64              `json:"obiAlpha"`
	ObiLevels  int                  `json:"obiLevels"`
	MicroVWAP  *float64             `json:"microVWAP"`
	MicroSigma *float64             `json:"microSigma"`
	MicroBandK float64              `json:"microBandK"`
	ActionHint analytics.ActionHint `json:"actionHint"`
}

// BookMsg is an immutable snapshot of the aggregated book taken at emission
// time. Levels mirrors the preferred side for the legacy DOM pane.
type BookMsg struct {
	Asks   []book.AggregatedLevel `json:"asks"`
	Bids   []book.AggregatedLevel `json:"bids"`
	Levels []book.AggregatedLevel `json:"levels"`
	Side   feed.Side              `json:"side"`
	Stats  BookStats              `json:"stats"`
}

// StatusMsg is pushed on connect, start, stop and side changes.
type StatusMsg struct {
	Connected bool      `json:"connected"`
	Symbol    string    `json:"symbol"`
	Side      feed.Side `json:"side"`
}

// Emitter is the broadcaster collaborator. Implementations must not block:
// delivery to slow consumers is their problem, never the update loop's.
type Emitter interface {
	EmitBook(BookMsg)
	EmitQuote(feed.Quote)
	EmitTrade(tape.Print)
	EmitAlert(alert.Event)
	EmitRvol(analytics.RvolAlert)
	EmitStatus(StatusMsg)
	EmitError(msg string)
}

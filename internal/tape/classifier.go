package tape

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Zone places a print relative to the prevailing quote.
type Zone string

const (
	BelowBid   Zone = "below_bid"
	AtBid      Zone = "at_bid"
	BetweenBid Zone = "between_bid"
	BetweenMid Zone = "between_mid"
	BetweenAsk Zone = "between_ask"
	AtAsk      Zone = "at_ask"
	AboveAsk   Zone = "above_ask"
)

// Print is a classified, dollar-filtered trade ready for broadcast.
type Print struct {
	Symbol    string  `json:"sym"`
	Zone      Zone    `json:"zone"`
	Price     float64 `json:"price"`
	Size      int     `json:"size"`
	Amount    float64 `json:"amount"`
	AmountStr string  `json:"amountStr"`
	Big       bool    `json:"big"`
	TimeISO   string  `json:"timeISO"`
}

// Classifier buckets trades against the current best bid/ask and applies
// notional dollar filters. Thresholds of 0 disable the respective filter.
type Classifier struct {
	DollarThreshold    float64
	BigDollarThreshold float64
}

// Classify places price into one of the seven zones. Exact matches map to
// at_bid/at_ask/between_mid; the midpoint splits between_bid and between_ask.
func Classify(price, bid, ask decimal.Decimal) Zone {
	switch {
	case price.Cmp(bid) < 0:
		return BelowBid
	case price.Equal(bid):
		return AtBid
	case price.Cmp(ask) > 0:
		return AboveAsk
	case price.Equal(ask):
		return AtAsk
	}
	two := decimal.New(2, 0)
	mid := bid.Add(ask).Div(two)
	switch price.Cmp(mid) {
	case -1:
		return BetweenBid
	case 0:
		return BetweenMid
	}
	return BetweenAsk
}

// Filter classifies a trade and applies the dollar filters. ok is false when
// the trade's notional is under DollarThreshold and it must be dropped
// entirely (not classified, not emitted).
func (c Classifier) Filter(symbol string, price float64, size int, bid, ask decimal.Decimal, timeISO string) (Print, bool) {
	amount := price * float64(size)
	if c.DollarThreshold > 0 && amount < c.DollarThreshold {
		return Print{}, false
	}
	str, huge := FormatAmount(amount)
	big := huge || (c.BigDollarThreshold > 0 && amount >= c.BigDollarThreshold)
	return Print{
		Symbol:    symbol,
		Zone:      Classify(decimal.NewFromFloat(price), bid, ask),
		Price:     price,
		Size:      size,
		Amount:    amount,
		AmountStr: str,
		Big:       big,
		TimeISO:   timeISO,
	}, true
}

// FormatAmount renders a dollar notional the way the tape pane shows it:
// "999.12", "1K", "1.5K", "1 million". The second return flags million-plus
// prints, which are always big regardless of configured thresholds.
func FormatAmount(amount float64) (string, bool) {
	switch {
	case amount >= 1_000_000:
		m := amount / 1_000_000
		if m == float64(int64(m)) {
			return fmt.Sprintf("%d million", int64(m)), true
		}
		return fmt.Sprintf("%.1f million", m), true
	case amount >= 1_000:
		k := amount / 1_000
		if k == float64(int64(k)) {
			return fmt.Sprintf("%dK", int64(k)), false
		}
		return fmt.Sprintf("%.1fK", k), false
	}
	return fmt.Sprintf("%.2f", amount), false
}

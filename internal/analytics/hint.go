package analytics

// ActionHint is the derived categorical signal combining OBI with price
// position relative to the micro-VWAP bands. Values are mutually exclusive.
type ActionHint string

const (
	HintNone      ActionHint = "none"
	HintLongOK    ActionHint = "long_ok"
	HintFadeShort ActionHint = "fade_short_ok"
	HintTrendUp   ActionHint = "trend_up"
	HintTrendDown ActionHint = "trend_down"
)

// Hint thresholds. Outside a band, an OBI push of ±0.3 in the same direction
// reads as trend; an OBI no worse than ∓0.1 against the move reads as a
// mean-reversion opportunity. Anything in between stays neutral.
const (
	obiTrend = 0.3
	obiFade  = 0.1
)

// ComputeHint applies the decision table:
//
//	last > upper band:  obi ≥ +0.3 → trend_up;   obi ≤ +0.1 → fade_short_ok
//	last < lower band:  obi ≤ −0.3 → trend_down; obi ≥ −0.1 → long_ok
//	inside the bands, or no traded price yet → none
func ComputeHint(last float64, haveLast bool, lower, upper float64, haveBands bool, obi float64) ActionHint {
	if !haveLast || !haveBands {
		return HintNone
	}
	switch {
	case last > upper:
		if obi >= obiTrend {
			return HintTrendUp
		}
		if obi <= obiFade {
			return HintFadeShort
		}
	case last < lower:
		if obi <= -obiTrend {
			return HintTrendDown
		}
		if obi >= -obiFade {
			return HintLongOK
		}
	}
	return HintNone
}

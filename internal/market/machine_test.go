package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"depthwatch/internal/alert"
	"depthwatch/internal/analytics"
	"depthwatch/internal/feed"
	"depthwatch/internal/tape"
)

type captureEmitter struct {
	mu       sync.Mutex
	books    []BookMsg
	quotes   []feed.Quote
	trades   []tape.Print
	alerts   []alert.Event
	rvols    []analytics.RvolAlert
	statuses []StatusMsg
	errs     []string
}

func (c *captureEmitter) EmitBook(b BookMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books = append(c.books, b)
}
func (c *captureEmitter) EmitQuote(q feed.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes = append(c.quotes, q)
}
func (c *captureEmitter) EmitTrade(p tape.Print) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades = append(c.trades, p)
}
func (c *captureEmitter) EmitAlert(a alert.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}
func (c *captureEmitter) EmitRvol(a analytics.RvolAlert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rvols = append(c.rvols, a)
}
func (c *captureEmitter) EmitStatus(s StatusMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, s)
}
func (c *captureEmitter) EmitError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, msg)
}

func (c *captureEmitter) snapshot() captureEmitter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return captureEmitter{
		books:  append([]BookMsg(nil), c.books...),
		trades: append([]tape.Print(nil), c.trades...),
		alerts: append([]alert.Event(nil), c.alerts...),
		quotes: append([]feed.Quote(nil), c.quotes...),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newHarness(t *testing.T) (*Machine, *feed.MockSource, *captureEmitter) {
	t.Helper()
	src := feed.NewMockSource()
	em := &captureEmitter{}
	m := NewMachine(src, em, Options{Cooldown: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m, src, em
}

func depthEvent(sym string, side feed.Side, op feed.Op, price string, size int) feed.Event {
	return feed.Event{
		Type:   feed.TypeDepth,
		Symbol: sym,
		Time:   time.Now(),
		Depth: &feed.DepthUpdate{
			Side: side, Op: op,
			Price: decimal.RequireFromString(price),
			Size:  size, Source: "ARCA",
		},
	}
}

func TestStartValidatesAndClamps(t *testing.T) {
	m, _, _ := newHarness(t)

	if _, err := m.Start(Params{Symbol: "   "}); err == nil {
		t.Fatal("blank symbol must be rejected")
	}
	p, err := m.Start(Params{Symbol: " aapl ", ThresholdShares: -5})
	if err != nil {
		t.Fatal(err)
	}
	if p.Symbol != "AAPL" || p.ThresholdShares != 1 || p.Side != feed.Ask {
		t.Fatalf("effective params %+v", p)
	}

	st, got := m.Status()
	if st != Active || got.Symbol != "AAPL" {
		t.Fatalf("status %v %+v", st, got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m, _, _ := newHarness(t)
	m.Stop()
	m.Stop()
	if st, _ := m.Status(); st != Idle {
		t.Fatalf("status %v", st)
	}
	if _, err := m.Start(Params{Symbol: "TSLA"}); err != nil {
		t.Fatal(err)
	}
	m.Stop()
	m.Stop()
	if st, _ := m.Status(); st != Idle {
		t.Fatalf("status after stop %v", st)
	}
}

func TestDepthEmitsBookAndAlert(t *testing.T) {
	m, src, em := newHarness(t)
	if _, err := m.Start(Params{Symbol: "AAPL", ThresholdShares: 20000}); err != nil {
		t.Fatal(err)
	}

	src.Send(depthEvent("AAPL", feed.Ask, feed.OpInsert, "100.03", 25000))
	waitFor(t, "book broadcast", func() bool { return len(em.snapshot().books) >= 1 })

	got := em.snapshot()
	b := got.books[0]
	if len(b.Asks) != 1 || b.Asks[0].SumShares != 25000 {
		t.Fatalf("asks %+v", b.Asks)
	}
	if b.Side != feed.Ask || len(b.Levels) != 1 {
		t.Fatalf("preferred-side mirror %+v", b)
	}
	if b.Stats.BestAsk == nil || *b.Stats.BestAsk != 100.03 {
		t.Fatalf("bestAsk %+v", b.Stats)
	}
	// one-sided ask book saturates imbalance at -1
	if b.Stats.Obi != -1 {
		t.Fatalf("obi %v", b.Stats.Obi)
	}

	if len(got.alerts) != 1 {
		t.Fatalf("alerts %+v", got.alerts)
	}
	a := got.alerts[0]
	if a.Side != feed.Ask || a.SumShares != 25000 || a.Price.String() != "100.03" {
		t.Fatalf("alert %+v", a)
	}
}

func TestQuoteThenTradeClassifies(t *testing.T) {
	m, src, em := newHarness(t)
	_, err := m.Start(Params{
		Symbol:             "AAPL",
		ThresholdShares:    20000,
		DollarThreshold:    5000,
		BigDollarThreshold: 10000,
	})
	if err != nil {
		t.Fatal(err)
	}

	src.Send(feed.Event{
		Type: feed.TypeQuote, Symbol: "AAPL", Time: time.Now(),
		Quote: &feed.Quote{Bid: 10.00, Ask: 10.05, Last: 10.01, Volume: 5000},
	})
	src.Send(feed.Event{
		Type: feed.TypeTrade, Symbol: "AAPL", Time: time.Now(),
		Trade: &feed.Trade{Price: 10.00, Size: 1000},
	})
	waitFor(t, "trade broadcast", func() bool { return len(em.snapshot().trades) >= 1 })

	got := em.snapshot()
	if len(got.quotes) != 1 {
		t.Fatalf("quotes %+v", got.quotes)
	}
	tr := got.trades[0]
	if tr.Zone != tape.AtBid || !tr.Big || tr.AmountStr != "10K" {
		t.Fatalf("print %+v", tr)
	}

	// under the $5,000 notional filter: dropped entirely
	src.Send(feed.Event{
		Type: feed.TypeTrade, Symbol: "AAPL", Time: time.Now(),
		Trade: &feed.Trade{Price: 10.00, Size: 100},
	})
	src.Send(depthEvent("AAPL", feed.Bid, feed.OpInsert, "10.00", 500))
	waitFor(t, "book after trades", func() bool { return len(em.snapshot().books) >= 1 })
	if got := em.snapshot(); len(got.trades) != 1 {
		t.Fatalf("filtered trade leaked: %+v", got.trades)
	}
}

func TestTradeFeedsMicroVWAPStats(t *testing.T) {
	m, src, em := newHarness(t)
	if _, err := m.Start(Params{Symbol: "AAPL", ThresholdShares: 20000}); err != nil {
		t.Fatal(err)
	}

	src.Send(feed.Event{
		Type: feed.TypeQuote, Symbol: "AAPL", Time: time.Now(),
		Quote: &feed.Quote{Bid: 99.99, Ask: 100.01},
	})
	src.Send(feed.Event{
		Type: feed.TypeTrade, Symbol: "AAPL", Time: time.Now(),
		Trade: &feed.Trade{Price: 100, Size: 300},
	})
	src.Send(depthEvent("AAPL", feed.Bid, feed.OpInsert, "99.99", 100))
	waitFor(t, "book", func() bool { return len(em.snapshot().books) >= 1 })

	b := em.snapshot().books[0]
	if b.Stats.MicroVWAP == nil || *b.Stats.MicroVWAP != 100 {
		t.Fatalf("microVWAP %+v", b.Stats)
	}
	if b.Stats.Last == nil || *b.Stats.Last != 100 {
		t.Fatalf("last %+v", b.Stats)
	}
}

func TestStaleAndIdleEventsDropped(t *testing.T) {
	m, src, em := newHarness(t)

	// idle: nothing subscribed yet
	src.Send(depthEvent("AAPL", feed.Ask, feed.OpInsert, "100.00", 100))
	waitFor(t, "idle drop", func() bool { i, _ := m.Dropped(); return i == 1 })

	if _, err := m.Start(Params{Symbol: "AAPL"}); err != nil {
		t.Fatal(err)
	}
	// stale: late event for a symbol that is not active
	src.Send(depthEvent("TSLA", feed.Ask, feed.OpInsert, "200.00", 100))
	waitFor(t, "stale drop", func() bool { _, s := m.Dropped(); return s == 1 })

	if len(em.snapshot().books) != 0 {
		t.Fatal("dropped events must not broadcast")
	}
}

func TestStartSwapsSessionState(t *testing.T) {
	m, src, em := newHarness(t)
	if _, err := m.Start(Params{Symbol: "AAPL"}); err != nil {
		t.Fatal(err)
	}
	src.Send(depthEvent("AAPL", feed.Ask, feed.OpInsert, "100.00", 1000))
	waitFor(t, "first book", func() bool { return len(em.snapshot().books) >= 1 })

	if _, err := m.Start(Params{Symbol: "TSLA"}); err != nil {
		t.Fatal(err)
	}
	src.Send(depthEvent("TSLA", feed.Ask, feed.OpInsert, "200.00", 500))
	waitFor(t, "post-swap book", func() bool { return len(em.snapshot().books) >= 2 })

	books := em.snapshot().books
	b := books[len(books)-1]
	if len(b.Asks) != 1 || b.Asks[0].Price.String() != "200" {
		t.Fatalf("swap must reset the book: %+v", b.Asks)
	}
}

func TestRecorderTapSeesAcceptedEvents(t *testing.T) {
	m, src, _ := newHarness(t)
	if _, err := m.Start(Params{Symbol: "AAPL"}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var tapped []feed.Event
	m.SetTap(func(ev feed.Event) {
		mu.Lock()
		defer mu.Unlock()
		tapped = append(tapped, ev)
	})

	src.Send(depthEvent("AAPL", feed.Ask, feed.OpInsert, "100.00", 100))
	src.Send(depthEvent("TSLA", feed.Ask, feed.OpInsert, "200.00", 100)) // stale, not tapped
	waitFor(t, "tap", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tapped) >= 1
	})
	waitFor(t, "stale drop", func() bool { _, s := m.Dropped(); return s == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(tapped) != 1 || tapped[0].Symbol != "AAPL" {
		t.Fatalf("tap %+v", tapped)
	}
}

func TestSeededBaselinesDriveRvolAlerts(t *testing.T) {
	m, src, em := newHarness(t)
	if _, err := m.Start(Params{Symbol: "AAPL"}); err != nil {
		t.Fatal(err)
	}

	// one second into a minute, with three prior days of 600-share bars at
	// the same clock time: 100 shares is a 10x pace
	now := time.Now().Truncate(time.Minute).Add(time.Second)
	var bars []analytics.BaselineBar
	for d := 1; d <= 3; d++ {
		bars = append(bars, analytics.BaselineBar{Time: now.AddDate(0, 0, -d), Volume: 600})
	}
	m.SeedBaselines(bars)

	src.Send(feed.Event{
		Type: feed.TypeTrade, Symbol: "AAPL", Time: now,
		Trade: &feed.Trade{Price: 100, Size: 100},
	})
	waitFor(t, "rvol alert", func() bool {
		em.mu.Lock()
		defer em.mu.Unlock()
		return len(em.rvols) >= 1
	})

	em.mu.Lock()
	defer em.mu.Unlock()
	a := em.rvols[0]
	if !a.Pace || a.Symbol != "AAPL" || a.Baseline != 600 {
		t.Fatalf("rvol alert %+v", a)
	}
}

func TestSetMicroParamsClamps(t *testing.T) {
	m, _, _ := newHarness(t)
	min, k := m.SetMicroParams(0.1, 9)
	if min != 0.5 || k != 4.0 {
		t.Fatalf("clamped to %v %v", min, k)
	}
	min, k = m.SetMicroParams(5, 2)
	if min != 5 || k != 2 {
		t.Fatalf("in-range passthrough got %v %v", min, k)
	}
}

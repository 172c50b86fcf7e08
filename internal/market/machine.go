package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"depthwatch/internal/alert"
	"depthwatch/internal/analytics"
	"depthwatch/internal/book"
	"depthwatch/internal/feed"
	"depthwatch/internal/tape"
)

// Status of the machine lifecycle.
type Status string

const (
	Idle   Status = "IDLE"
	Active Status = "ACTIVE"
)

var ErrNoSymbol = errors.New("symbol required")

// Params is the effective configuration of one monitoring session. Start
// returns the clamped values actually in force.
type Params struct {
	Symbol             string    `json:"symbol"`
	ThresholdShares    int       `json:"thresholdShares"`
	Side               feed.Side `json:"side"`
	DollarThreshold    float64   `json:"dollarThreshold"`
	BigDollarThreshold float64   `json:"bigDollarThreshold"`
}

// Options carries the knobs that outlive individual sessions.
type Options struct {
	Depth       int
	Cooldown    time.Duration
	ObiAlpha    float64 // 0 = heuristic
	ObiLevels   int     // 0 = derive from book depth
	MicroWindow time.Duration
	MicroBandK  float64
	RvolHot     float64
	RvolDanger  float64
	Clock       func() time.Time
	Logger      *slog.Logger
}

// session is the per-symbol state, rebuilt wholesale on every start.
type session struct {
	params     Params
	agg        *book.Aggregator
	alerts     *alert.Engine
	micro      *analytics.MicroVWAP
	rvol       *analytics.Rvol
	classifier tape.Classifier

	lastBid  decimal.Decimal
	lastAsk  decimal.Decimal
	haveBid  bool
	haveAsk  bool
	last     float64
	haveLast bool
	volume   int64
}

// Machine owns all mutable market state behind a single goroutine. Control
// calls post closures onto the loop and wait; feed events flow through the
// same loop, so ordering is total and no field needs a lock.
type Machine struct {
	log   *slog.Logger
	src   feed.Source
	emit  Emitter
	opts  Options
	clock func() time.Time

	cmds chan func()

	// loop-owned from here down
	runCtx       context.Context
	sess         *session
	tap          func(feed.Event)
	micro        *analytics.MicroVWAP // survives sessions so tuning sticks
	droppedIdle  int
	droppedStale int
	connected    bool
}

func NewMachine(src feed.Source, emit Emitter, opts Options) *Machine {
	if opts.Depth < 1 {
		opts.Depth = 10
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Second
	}
	if opts.MicroWindow <= 0 {
		opts.MicroWindow = 5 * time.Minute
	}
	if opts.MicroBandK <= 0 {
		opts.MicroBandK = 2.0
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		log:   log,
		src:   src,
		emit:  emit,
		opts:  opts,
		clock: clock,
		cmds:  make(chan func(), 16),
		micro: analytics.NewMicroVWAP(opts.MicroWindow, opts.MicroBandK),
	}
}

// Run drives the update loop until ctx is cancelled. It also runs the
// source's connection lifecycle and forwards its status flips.
func (m *Machine) Run(ctx context.Context) {
	m.runCtx = ctx
	m.runSource(ctx, m.src)

	for {
		select {
		case <-ctx.Done():
			m.src.Close()
			return
		case cmd := <-m.cmds:
			cmd()
		case ev, ok := <-m.src.Events():
			if !ok {
				return
			}
			m.handleEvent(ev)
		case err, ok := <-m.src.Errors():
			if !ok {
				return
			}
			m.log.Error("feed error", "err", err)
			m.emit.EmitError(err.Error())
		}
	}
}

// runSource starts a source's connection lifecycle with a status callback
// that re-enters the loop asynchronously, so a callback fired from inside a
// loop command can never deadlock.
func (m *Machine) runSource(ctx context.Context, src feed.Source) {
	src.Run(ctx, func(connected bool) {
		go m.post(ctx, func() {
			m.connected = connected
			m.emitStatus()
		})
	})
}

// post enqueues a loop closure without waiting for it.
func (m *Machine) post(ctx context.Context, f func()) {
	select {
	case m.cmds <- f:
	case <-ctx.Done():
	}
}

// SwapSource replaces the event source mid-flight (live to replay and back).
// The outgoing source is unsubscribed but left open so the caller can swap it
// back in later.
func (m *Machine) SwapSource(src feed.Source) {
	m.do(func() {
		m.src.Unsubscribe()
		m.src = src
		ctx := m.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		m.runSource(ctx, src)
	})
}

// do runs f on the loop and waits for it. Callers are external goroutines
// (HTTP handlers, tests); the loop itself never calls do.
func (m *Machine) do(f func()) {
	done := make(chan struct{})
	m.cmds <- func() {
		f()
		close(done)
	}
	<-done
}

// Start begins monitoring a symbol. An active session is torn down first
// (start doubles as swap). Returns the effective, clamped parameters.
func (m *Machine) Start(req Params) (Params, error) {
	var out Params
	var err error
	m.do(func() { out, err = m.start(req) })
	return out, err
}

func (m *Machine) start(req Params) (Params, error) {
	sym := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if sym == "" {
		return Params{}, ErrNoSymbol
	}
	if m.sess != nil {
		m.teardown()
	}

	p := req
	p.Symbol = sym
	if p.ThresholdShares < 1 {
		p.ThresholdShares = 1
	}
	if p.Side != feed.Bid {
		p.Side = feed.Ask
	}
	if p.DollarThreshold < 0 {
		p.DollarThreshold = 0
	}
	if p.BigDollarThreshold < 0 {
		p.BigDollarThreshold = 0
	}

	rv := analytics.NewRvol(m.opts.RvolHot, m.opts.RvolDanger)
	rv.StartSymbol(sym)
	m.micro.Reset()
	m.sess = &session{
		params: p,
		agg:    book.NewAggregator(m.opts.Depth),
		alerts: alert.NewEngine(m.opts.Cooldown),
		micro:  m.micro,
		rvol:   rv,
		classifier: tape.Classifier{
			DollarThreshold:    p.DollarThreshold,
			BigDollarThreshold: p.BigDollarThreshold,
		},
	}

	if err := m.src.Subscribe(sym); err != nil {
		m.sess = nil
		return Params{}, fmt.Errorf("subscribe %s: %w", sym, err)
	}
	m.log.Info("session started", "symbol", sym, "threshold", p.ThresholdShares, "side", p.Side)
	m.emitStatus()
	return p, nil
}

// Stop ends the current session. Stopping an idle machine is a no-op.
func (m *Machine) Stop() {
	m.do(func() {
		if m.sess == nil {
			return
		}
		m.teardown()
		m.log.Info("session stopped")
		m.emitStatus()
	})
}

func (m *Machine) teardown() {
	m.src.Unsubscribe()
	m.sess = nil
}

// SetThreshold retunes the share threshold mid-session, clamped to >= 1.
// Cooldown state is preserved so lowering the bar cannot re-fire old keys.
func (m *Machine) SetThreshold(shares int) int {
	if shares < 1 {
		shares = 1
	}
	m.do(func() {
		if m.sess != nil {
			m.sess.params.ThresholdShares = shares
		}
	})
	return shares
}

// SetSide flips the preferred display side. Unknown values default to ASK.
func (m *Machine) SetSide(side feed.Side) feed.Side {
	if side != feed.Bid {
		side = feed.Ask
	}
	m.do(func() {
		if m.sess != nil {
			m.sess.params.Side = side
		}
		m.emitStatus()
	})
	return side
}

// SetMicroParams retunes the trailing VWAP window and band width, clamped to
// [0.5, 60] minutes and [0.5, 4.0] band multiples. Returns the effective pair.
func (m *Machine) SetMicroParams(minutes, bandK float64) (float64, float64) {
	minutes = clamp(minutes, 0.5, 60)
	bandK = clamp(bandK, 0.5, 4.0)
	m.do(func() {
		m.micro.SetParams(time.Duration(minutes*float64(time.Minute)), bandK)
	})
	return minutes, bandK
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SetTap installs (or clears, with nil) the recorder hook. The tap sees every
// event the loop accepts for the active symbol, before analytics run.
func (m *Machine) SetTap(tap func(feed.Event)) {
	m.do(func() { m.tap = tap })
}

// SeedBaselines feeds historical 1-minute bars into the active session's
// relative-volume tracker.
func (m *Machine) SeedBaselines(bars []analytics.BaselineBar) {
	m.do(func() {
		if m.sess == nil {
			return
		}
		for _, b := range bars {
			m.sess.rvol.SeedBaselineBar(b.Time, b.Volume)
		}
	})
}

// Status reports the current lifecycle state and session parameters.
func (m *Machine) Status() (Status, Params) {
	var st Status = Idle
	var p Params
	m.do(func() {
		if m.sess != nil {
			st = Active
			p = m.sess.params
		}
	})
	return st, p
}

// Dropped reports how many events were discarded while idle and how many
// carried a non-active symbol.
func (m *Machine) Dropped() (idle, stale int) {
	m.do(func() { idle, stale = m.droppedIdle, m.droppedStale })
	return idle, stale
}

func (m *Machine) emitStatus() {
	msg := StatusMsg{Connected: m.connected}
	if m.sess != nil {
		msg.Symbol = m.sess.params.Symbol
		msg.Side = m.sess.params.Side
	}
	m.emit.EmitStatus(msg)
}

func (m *Machine) handleEvent(ev feed.Event) {
	if m.sess == nil {
		m.droppedIdle++
		return
	}
	if ev.Symbol != "" && ev.Symbol != m.sess.params.Symbol {
		m.droppedStale++
		return
	}
	if m.tap != nil {
		m.tap(ev)
	}
	switch ev.Type {
	case feed.TypeDepth:
		if ev.Depth != nil {
			m.applyDepth(*ev.Depth, ev.Time)
		}
	case feed.TypeQuote:
		if ev.Quote != nil {
			m.applyQuote(*ev.Quote)
		}
	case feed.TypeTrade:
		if ev.Trade != nil {
			m.applyTrade(*ev.Trade, ev.Time)
		}
	}
}

// applyDepth runs the full pipeline for one book mutation. at is the event's
// own time (live feeds stamp the wall clock, replays stamp recorded time), so
// cooldown decisions replay identically.
func (m *Machine) applyDepth(up feed.DepthUpdate, at time.Time) {
	s := m.sess
	s.agg.Apply(up)
	now := at
	if now.IsZero() {
		now = m.clock()
	}

	asks := s.agg.Asks()
	bids := s.agg.Bids()
	m.emit.EmitBook(m.buildBook(asks, bids))

	// alerts always watch both sides; side preference is display only
	for _, a := range s.alerts.Evaluate(s.params.Symbol, feed.Ask, asks, s.params.ThresholdShares, now) {
		m.emit.EmitAlert(a)
	}
	for _, a := range s.alerts.Evaluate(s.params.Symbol, feed.Bid, bids, s.params.ThresholdShares, now) {
		m.emit.EmitAlert(a)
	}
}

func (m *Machine) applyQuote(q feed.Quote) {
	s := m.sess
	if q.Bid > 0 {
		s.lastBid = decimal.NewFromFloat(q.Bid)
		s.haveBid = true
	}
	if q.Ask > 0 {
		s.lastAsk = decimal.NewFromFloat(q.Ask)
		s.haveAsk = true
	}
	if q.Last > 0 {
		s.last = q.Last
		s.haveLast = true
	}
	if q.Volume > 0 {
		s.volume = q.Volume
	}
	m.emit.EmitQuote(q)
}

func (m *Machine) applyTrade(tr feed.Trade, at time.Time) {
	s := m.sess
	if at.IsZero() {
		at = m.clock()
	}
	if tr.Price > 0 {
		s.last = tr.Price
		s.haveLast = true
	}

	s.micro.Observe(tr.Price, tr.Size, at)
	for _, a := range s.rvol.OnTrade(tr.Price, tr.Size, at) {
		m.emit.EmitRvol(a)
	}

	if s.haveBid && s.haveAsk {
		if p, ok := s.classifier.Filter(s.params.Symbol, tr.Price, tr.Size, s.lastBid, s.lastAsk, tr.TimeISO); ok {
			m.emit.EmitTrade(p)
		}
	}
}

func (m *Machine) buildBook(asks, bids []book.AggregatedLevel) BookMsg {
	s := m.sess
	stats := BookStats{
		Volume:     s.volume,
		MicroBandK: s.micro.BandK(),
		ActionHint: analytics.HintNone,
	}

	if len(bids) > 0 {
		stats.BestBid = fptr(bids[0].Price.InexactFloat64())
	}
	if len(asks) > 0 {
		stats.BestAsk = fptr(asks[0].Price.InexactFloat64())
	}
	if stats.BestBid != nil && stats.BestAsk != nil {
		stats.Spread = fptr(*stats.BestAsk - *stats.BestBid)
	}
	if s.haveLast {
		stats.Last = fptr(s.last)
	}

	obi := analytics.ComputeOBI(book.Sizes(bids), book.Sizes(asks), m.opts.ObiAlpha, m.opts.ObiLevels)
	stats.Obi = obi.Value
	stats.ObiAlpha = obi.Alpha
	stats.ObiLevels = obi.Levels

	if vwap, sigma, ok := s.micro.Stats(); ok {
		stats.MicroVWAP = fptr(vwap)
		stats.MicroSigma = fptr(sigma)
	}
	lower, upper, haveBands := s.micro.Bands()
	stats.ActionHint = analytics.ComputeHint(s.last, s.haveLast, lower, upper, haveBands, obi.Value)

	msg := BookMsg{Asks: asks, Bids: bids, Side: s.params.Side, Stats: stats}
	if s.params.Side == feed.Bid {
		msg.Levels = bids
	} else {
		msg.Levels = asks
	}
	return msg
}

func fptr(v float64) *float64 { return &v }

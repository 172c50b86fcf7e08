package record

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"depthwatch/internal/feed"
)

// ErrBadHeader means the file's meta line is missing, malformed or carries an
// unsupported formatVersion. Playback refuses the whole file.
var ErrBadHeader = errors.New("unsupported recording header")

// Player replays a recording through the feed.Source interface, so the market
// loop consumes it exactly like a live connector. Pacing follows a virtual
// clock: event i is due at virtualStart + relMs[i]/rate, waits are timer-based
// and cancel with the subscription. Loop mode re-baselines the virtual clock
// on each pass.
type Player struct {
	log   *slog.Logger
	path  string
	rate  float64
	loop  bool
	meta  Meta
	start time.Time // parsed header start, zero when unparseable

	events chan feed.Event
	errs   chan error

	runCtx context.Context
	cancel context.CancelFunc
	symbol string

	skipped  atomic.Int64
	OnFinish func() // called once when a non-loop replay ends
}

// Open validates the recording header eagerly and returns a ready Player.
// rate <= 0 defaults to 1.0 (real time).
func Open(path string, rate float64, loop bool, log *slog.Logger) (*Player, error) {
	if rate <= 0 {
		rate = 1.0
	}
	if log == nil {
		log = slog.Default()
	}
	meta, err := readHeader(path)
	if err != nil {
		return nil, err
	}
	start, _ := time.Parse(time.RFC3339Nano, meta.StartTimeISO)
	return &Player{
		log:    log,
		path:   path,
		rate:   rate,
		loop:   loop,
		meta:   meta,
		start:  start,
		events: make(chan feed.Event, 256),
		errs:   make(chan error, 4),
	}, nil
}

func readHeader(path string) (Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: not gzip: %v", ErrBadHeader, err)
	}
	defer gz.Close()

	sc := bufio.NewScanner(gz)
	if !sc.Scan() {
		return Meta{}, fmt.Errorf("%w: empty file", ErrBadHeader)
	}
	var m Meta
	if err := json.Unmarshal(sc.Bytes(), &m); err != nil || m.Type != "meta" {
		return Meta{}, fmt.Errorf("%w: bad meta line", ErrBadHeader)
	}
	if m.FormatVersion != FormatVersion {
		return Meta{}, fmt.Errorf("%w: formatVersion %d", ErrBadHeader, m.FormatVersion)
	}
	return m, nil
}

// Meta returns the recording's header.
func (p *Player) Meta() Meta { return p.meta }

// Symbol is the recorded symbol, or "" for pre-symbol recordings.
func (p *Player) Symbol() string { return p.meta.Symbol }

// Skipped reports malformed event lines ignored during playback.
func (p *Player) Skipped() int64 { return p.skipped.Load() }

func (p *Player) Run(ctx context.Context, onStatus func(connected bool)) {
	p.runCtx = ctx
	onStatus(true)
}

// Subscribe starts the replay goroutine. The symbol stamps every emitted
// event; callers normally pass Meta().Symbol.
func (p *Player) Subscribe(symbol string) error {
	if p.runCtx == nil {
		p.runCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(p.runCtx)
	p.cancel = cancel
	p.symbol = strings.ToUpper(strings.TrimSpace(symbol))
	go p.play(ctx)
	return nil
}

func (p *Player) Unsubscribe() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Player) Events() <-chan feed.Event { return p.events }
func (p *Player) Errors() <-chan error      { return p.errs }

func (p *Player) Close() { p.Unsubscribe() }

func (p *Player) play(ctx context.Context) {
	for {
		n, err := p.playOnce(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Error("replay failed", "path", p.path, "err", err)
				select {
				case p.errs <- err:
				default:
				}
			}
			return
		}
		if !p.loop || ctx.Err() != nil || n == 0 {
			if n == 0 && p.loop {
				p.log.Warn("not looping an empty recording", "path", p.path)
			}
			if p.OnFinish != nil && ctx.Err() == nil {
				p.OnFinish()
			}
			return
		}
	}
}

func (p *Player) playOnce(ctx context.Context) (int, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !sc.Scan() {
		return 0, fmt.Errorf("%w: empty file", ErrBadHeader)
	}

	virtualStart := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	sent := 0
	for sc.Scan() {
		var line recordLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			p.skipped.Add(1)
			continue
		}
		ev, ok := p.decode(line)
		if !ok {
			p.skipped.Add(1)
			continue
		}

		due := virtualStart.Add(time.Duration(float64(line.RelMs) / p.rate * float64(time.Millisecond)))
		if d := time.Until(due); d > 0 {
			timer.Reset(d)
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-timer.C:
			}
		}

		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case p.events <- ev:
			sent++
		}
	}
	if err := sc.Err(); err != nil {
		return sent, err
	}
	return sent, nil
}

// decode rebuilds the feed event. Events carry the recording's logical time
// (start + relMs), not the wall clock, so time-sensitive analytics behave
// identically on every pass and at every rate.
func (p *Player) decode(line recordLine) (feed.Event, bool) {
	ev := feed.Event{Symbol: p.symbol, Time: time.Now()}
	if !p.start.IsZero() {
		ev.Time = p.start.Add(time.Duration(line.RelMs) * time.Millisecond)
	}
	switch line.Type {
	case "depth":
		var d feed.DepthUpdate
		if json.Unmarshal(line.Payload, &d) != nil {
			return ev, false
		}
		ev.Type = feed.TypeDepth
		ev.Depth = &d
	case "quote":
		var q feed.Quote
		if json.Unmarshal(line.Payload, &q) != nil {
			return ev, false
		}
		ev.Type = feed.TypeQuote
		ev.Quote = &q
	case "trade":
		var t feed.Trade
		if json.Unmarshal(line.Payload, &t) != nil {
			return ev, false
		}
		ev.Type = feed.TypeTrade
		ev.Trade = &t
	default:
		return ev, false
	}
	return ev, true
}

// ListRecordings returns the .ndjson.gz files in dir, newest first.
func ListRecordings(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".ndjson.gz") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

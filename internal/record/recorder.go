package record

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"depthwatch/internal/feed"
)

// FormatVersion is the recording container version written to (and required
// of) the meta header line.
const FormatVersion = 1

// Meta is the first NDJSON line of every recording.
type Meta struct {
	Type          string `json:"type"`
	FormatVersion int    `json:"formatVersion"`
	StartTimeISO  string `json:"startTimeISO"`
	Symbol        string `json:"symbol,omitempty"`
}

type recordLine struct {
	Type    string          `json:"type"`
	RelMs   int64           `json:"relMs"`
	Payload json.RawMessage `json:"payload"`
}

// RecorderOptions configures one recording session.
type RecorderOptions struct {
	Dir       string
	Symbol    string
	Clock     func() time.Time // defaults to time.Now
	Logger    *slog.Logger
	QueueSize int // defaults to 1024
}

// Recorder captures the normalized event stream into a gzip NDJSON file.
// Observe never blocks the caller: events go through a bounded queue and a
// dedicated writer goroutine; under backpressure the oldest queued event is
// dropped and counted. A write error disables the recorder for the rest of
// the session (logged once, surfaced via Err) rather than killing the feed.
type Recorder struct {
	log   *slog.Logger
	clock func() time.Time

	path  string
	f     *os.File
	gz    *gzip.Writer
	start time.Time

	queue chan queuedEvent
	done  chan struct{}

	lastRel int64
	lines   atomic.Int64
	dropped atomic.Int64
	failed  atomic.Bool
	errMu   sync.Mutex
	err     error

	closeOnce sync.Once
}

type queuedEvent struct {
	ev feed.Event
	at time.Time
}

// StartRecorder opens the output file, writes the meta header and starts the
// writer goroutine. The filename is <SYMBOL>_<UTC timestamp>.ndjson.gz.
func StartRecorder(opts RecorderOptions) (*Recorder, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording dir: %w", err)
	}

	start := opts.Clock()
	name := fmt.Sprintf("%s_%s.ndjson.gz", opts.Symbol, start.UTC().Format("20060102_150405"))
	path := filepath.Join(opts.Dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	r := &Recorder{
		log:   opts.Logger,
		clock: opts.Clock,
		path:  path,
		f:     f,
		gz:    gzip.NewWriter(f),
		start: start,
		queue: make(chan queuedEvent, opts.QueueSize),
		done:  make(chan struct{}),
	}

	header := Meta{
		Type:          "meta",
		FormatVersion: FormatVersion,
		StartTimeISO:  start.UTC().Format(time.RFC3339Nano),
		Symbol:        opts.Symbol,
	}
	if err := r.writeJSON(header); err != nil {
		r.gz.Close()
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write header: %w", err)
	}

	go r.writeLoop()
	return r, nil
}

// Observe enqueues one event. Safe to hand to the market loop as its tap.
func (r *Recorder) Observe(ev feed.Event) {
	if r.failed.Load() {
		return
	}
	q := queuedEvent{ev: ev, at: ev.Time}
	if q.at.IsZero() {
		q.at = r.clock()
	}
	select {
	case r.queue <- q:
		return
	default:
	}
	// queue full: shed the oldest, then retry once
	select {
	case <-r.queue:
		r.dropped.Add(1)
	default:
	}
	select {
	case r.queue <- q:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	for q := range r.queue {
		if r.failed.Load() {
			continue // drain so producers never stall
		}
		kind, payload, ok := eventPayload(q.ev)
		if !ok {
			continue
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			r.fail(err)
			continue
		}
		rel := q.at.Sub(r.start).Milliseconds()
		if rel < r.lastRel {
			rel = r.lastRel // clock regressions clamp up, relMs stays monotone
		}
		r.lastRel = rel
		if err := r.writeJSON(recordLine{Type: kind, RelMs: rel, Payload: raw}); err != nil {
			r.fail(err)
			continue
		}
		r.lines.Add(1)
	}
}

func eventPayload(ev feed.Event) (string, any, bool) {
	switch ev.Type {
	case feed.TypeDepth:
		if ev.Depth != nil {
			return "depth", ev.Depth, true
		}
	case feed.TypeQuote:
		if ev.Quote != nil {
			return "quote", ev.Quote, true
		}
	case feed.TypeTrade:
		if ev.Trade != nil {
			return "trade", ev.Trade, true
		}
	}
	return "", nil, false
}

func (r *Recorder) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = r.gz.Write(raw)
	return err
}

func (r *Recorder) fail(err error) {
	if r.failed.CompareAndSwap(false, true) {
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()
		r.log.Error("recording disabled", "path", r.path, "err", err)
	}
}

// Close flushes and closes the file. Returns the first write error, if any.
func (r *Recorder) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		close(r.queue)
		<-r.done
		if err := r.gz.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		if err := r.f.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	r.errMu.Lock()
	if r.err != nil {
		closeErr = r.err
	}
	r.errMu.Unlock()
	return closeErr
}

// Path is the file being written.
func (r *Recorder) Path() string { return r.path }

// Lines reports how many event lines were written (header excluded).
func (r *Recorder) Lines() int64 { return r.lines.Load() }

// Dropped reports events shed under backpressure.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Err returns the write error that disabled the recorder, if any.
func (r *Recorder) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

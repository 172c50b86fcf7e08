package record

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"depthwatch/internal/feed"
)

var recStart = time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

func depthAt(offset time.Duration, price string, size int) feed.Event {
	return feed.Event{
		Type:   feed.TypeDepth,
		Symbol: "AAPL",
		Time:   recStart.Add(offset),
		Depth: &feed.DepthUpdate{
			Side: feed.Ask, Op: feed.OpInsert,
			Price: decimal.RequireFromString(price),
			Size:  size, Source: "ARCA",
		},
	}
}

func record(t *testing.T, events ...feed.Event) string {
	t.Helper()
	r, err := StartRecorder(RecorderOptions{
		Dir:    t.TempDir(),
		Symbol: "AAPL",
		Clock:  func() time.Time { return recStart },
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range events {
		r.Observe(ev)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if r.Lines() != int64(len(events)) {
		t.Fatalf("lines written %d want %d", r.Lines(), len(events))
	}
	return r.Path()
}

func collect(t *testing.T, ch <-chan feed.Event, n int) []feed.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	out := make([]feed.Event, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

func TestRecordReplayRoundtrip(t *testing.T) {
	path := record(t,
		depthAt(0, "100.03", 500),
		feed.Event{
			Type: feed.TypeQuote, Symbol: "AAPL", Time: recStart.Add(10 * time.Millisecond),
			Quote: &feed.Quote{Bid: 100.02, Ask: 100.03, Last: 100.02, Volume: 900},
		},
		feed.Event{
			Type: feed.TypeTrade, Symbol: "AAPL", Time: recStart.Add(25 * time.Millisecond),
			Trade: &feed.Trade{Price: 100.03, Size: 200, TimeISO: "2025-06-02T14:30:00Z"},
		},
	)

	p, err := Open(path, 1000, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Symbol() != "AAPL" {
		t.Fatalf("meta symbol %q", p.Symbol())
	}
	if err := p.Subscribe(p.Symbol()); err != nil {
		t.Fatal(err)
	}
	defer p.Unsubscribe()

	evs := collect(t, p.Events(), 3)
	if evs[0].Type != feed.TypeDepth || evs[1].Type != feed.TypeQuote || evs[2].Type != feed.TypeTrade {
		t.Fatalf("order %v %v %v", evs[0].Type, evs[1].Type, evs[2].Type)
	}
	if evs[0].Depth.Price.String() != "100.03" || evs[0].Depth.Size != 500 {
		t.Fatalf("depth payload %+v", evs[0].Depth)
	}
	if evs[1].Quote.Volume != 900 {
		t.Fatalf("quote payload %+v", evs[1].Quote)
	}
	if evs[2].Trade.Size != 200 || evs[2].Symbol != "AAPL" {
		t.Fatalf("trade payload %+v", evs[2])
	}
	if p.Skipped() != 0 {
		t.Fatalf("skipped %d", p.Skipped())
	}
	// events carry recorded logical time, not the replay wall clock
	if !evs[0].Time.Equal(recStart) || !evs[2].Time.Equal(recStart.Add(25*time.Millisecond)) {
		t.Fatalf("logical times %v %v", evs[0].Time, evs[2].Time)
	}
}

func TestReplayRateScalesTiming(t *testing.T) {
	// 1s gap replayed at 10x should land in roughly 100ms of wall time
	path := record(t,
		depthAt(0, "100.00", 100),
		depthAt(time.Second, "100.01", 100),
	)

	p, err := Open(path, 10, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Subscribe("AAPL"); err != nil {
		t.Fatal(err)
	}
	defer p.Unsubscribe()

	started := time.Now()
	collect(t, p.Events(), 2)
	elapsed := time.Since(started)
	if elapsed < 80*time.Millisecond || elapsed > 600*time.Millisecond {
		t.Fatalf("10x replay of a 1s recording took %v", elapsed)
	}
}

func TestReplaySlowRateStretchesTiming(t *testing.T) {
	// 100ms gap replayed at 0.5x must take roughly 200ms of wall time
	path := record(t,
		depthAt(0, "100.00", 100),
		depthAt(100*time.Millisecond, "100.01", 100),
	)

	p, err := Open(path, 0.5, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Subscribe("AAPL"); err != nil {
		t.Fatal(err)
	}
	defer p.Unsubscribe()

	started := time.Now()
	collect(t, p.Events(), 2)
	if elapsed := time.Since(started); elapsed < 180*time.Millisecond {
		t.Fatalf("0.5x replay of a 100ms recording took only %v", elapsed)
	}
}

func TestRelMsNeverRegresses(t *testing.T) {
	// second event carries an earlier timestamp; on disk it must clamp up
	path := record(t,
		depthAt(50*time.Millisecond, "100.00", 100),
		depthAt(20*time.Millisecond, "100.01", 100),
		depthAt(80*time.Millisecond, "100.02", 100),
	)

	rels := readRelMs(t, path)
	if len(rels) != 3 {
		t.Fatalf("lines %d", len(rels))
	}
	want := []int64{50, 50, 80}
	for i, r := range rels {
		if r != want[i] {
			t.Fatalf("relMs %v want %v", rels, want)
		}
	}
}

func readRelMs(t *testing.T, path string) []int64 {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	sc := bufio.NewScanner(gz)
	sc.Scan() // meta
	var rels []int64
	for sc.Scan() {
		var line recordLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatal(err)
		}
		rels = append(rels, line.RelMs)
	}
	return rels
}

func writeRawRecording(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.ndjson.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	for _, l := range lines {
		if _, err := gz.Write([]byte(l + "\n")); err != nil {
			t.Fatal(err)
		}
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenRejectsBadHeader(t *testing.T) {
	wrongVersion := writeRawRecording(t,
		`{"type":"meta","formatVersion":2,"startTimeISO":"2025-06-02T14:30:00Z"}`)
	if _, err := Open(wrongVersion, 1, false, nil); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("want ErrBadHeader, got %v", err)
	}

	noMeta := writeRawRecording(t, `{"type":"depth","relMs":0,"payload":{}}`)
	if _, err := Open(noMeta, 1, false, nil); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("want ErrBadHeader, got %v", err)
	}

	notGzip := filepath.Join(t.TempDir(), "plain.ndjson.gz")
	if err := os.WriteFile(notGzip, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(notGzip, 1, false, nil); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("want ErrBadHeader, got %v", err)
	}
}

func TestMalformedLinesSkipped(t *testing.T) {
	path := writeRawRecording(t,
		`{"type":"meta","formatVersion":1,"startTimeISO":"2025-06-02T14:30:00Z","symbol":"AAPL"}`,
		`{"type":"depth","relMs":0,"payload":{"side":"ASK","op":"insert","price":"100.03","size":500,"source":"ARCA"}}`,
		`this is not json`,
		`{"type":"mystery","relMs":3,"payload":{}}`,
		`{"type":"trade","relMs":5,"payload":{"price":100.03,"size":200}}`,
	)

	p, err := Open(path, 1000, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Subscribe("AAPL"); err != nil {
		t.Fatal(err)
	}
	defer p.Unsubscribe()

	evs := collect(t, p.Events(), 2)
	if evs[0].Type != feed.TypeDepth || evs[1].Type != feed.TypeTrade {
		t.Fatalf("events %+v", evs)
	}
	if p.Skipped() != 2 {
		t.Fatalf("skipped %d want 2", p.Skipped())
	}
}

func TestLoopRepeatsSequence(t *testing.T) {
	path := record(t,
		depthAt(0, "100.00", 100),
		depthAt(2*time.Millisecond, "100.01", 200),
	)

	p, err := Open(path, 1000, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Subscribe("AAPL"); err != nil {
		t.Fatal(err)
	}
	defer p.Unsubscribe()

	evs := collect(t, p.Events(), 6)
	for i, ev := range evs {
		wantSize := 100 + (i%2)*100
		if ev.Depth == nil || ev.Depth.Size != wantSize {
			t.Fatalf("event %d: %+v want size %d", i, ev.Depth, wantSize)
		}
	}
}

func TestReplayTwiceIsIdentical(t *testing.T) {
	path := record(t,
		depthAt(0, "100.00", 100),
		depthAt(1*time.Millisecond, "100.01", 200),
		depthAt(2*time.Millisecond, "100.02", 300),
	)

	run := func() []feed.Event {
		p, err := Open(path, 1000, false, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Subscribe("AAPL"); err != nil {
			t.Fatal(err)
		}
		defer p.Unsubscribe()
		return collect(t, p.Events(), 3)
	}

	a, b := run(), run()
	for i := range a {
		if !a[i].Depth.Price.Equal(b[i].Depth.Price) || a[i].Depth.Size != b[i].Depth.Size {
			t.Fatalf("run mismatch at %d: %+v vs %+v", i, a[i].Depth, b[i].Depth)
		}
	}
}

func TestOnFinishFiresOnce(t *testing.T) {
	path := record(t, depthAt(0, "100.00", 100))

	p, err := Open(path, 1000, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	p.OnFinish = func() { close(done) }
	if err := p.Subscribe("AAPL"); err != nil {
		t.Fatal(err)
	}
	collect(t, p.Events(), 1)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnFinish not called")
	}
}

func TestListRecordings(t *testing.T) {
	dir := t.TempDir()
	if names, err := ListRecordings(dir); err != nil || len(names) != 0 {
		t.Fatalf("empty dir: %v %v", names, err)
	}
	for _, n := range []string{"a.ndjson.gz", "b.ndjson.gz", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	names, err := ListRecordings(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "b.ndjson.gz" || names[1] != "a.ndjson.gz" {
		t.Fatalf("names %v", names)
	}

	if _, err := ListRecordings(filepath.Join(dir, "missing")); err != nil {
		t.Fatalf("missing dir must not error: %v", err)
	}
}

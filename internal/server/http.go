package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"depthwatch/internal/alert"
	"depthwatch/internal/analytics"
	"depthwatch/internal/config"
	"depthwatch/internal/feed"
	"depthwatch/internal/market"
	"depthwatch/internal/record"
	"depthwatch/internal/sound"
	"depthwatch/internal/tape"
)

// Server is the HTTP/WS boundary. It implements market.Emitter, so the
// market loop broadcasts straight through the hub, and it owns the
// recording/replay session plumbing around the machine.
type Server struct {
	cfg  config.Config
	live feed.Source
	snd  *sound.Manager
	hub  *hub
	log  *slog.Logger
	mux  *http.ServeMux

	m *market.Machine

	mu         sync.Mutex
	rec        *record.Recorder
	player     *record.Player
	lastStatus market.StatusMsg
}

func New(cfg config.Config, live feed.Source, snd *sound.Manager, logger *slog.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		live: live,
		snd:  snd,
		hub:  newHub(logger),
		log:  logger,
		mux:  http.NewServeMux(),
	}
	s.hub.welcome = func() [][]byte {
		s.mu.Lock()
		defer s.mu.Unlock()
		return [][]byte{marshalWS("status", s.lastStatus)}
	}
	s.routes()
	go s.hub.run()
	return s
}

// AttachMachine wires the market loop in after construction (the machine
// needs this server as its emitter, so the two are built in sequence).
func (s *Server) AttachMachine(m *market.Machine) { s.m = m }

func (s *Server) Router() http.Handler { return s.mux }

// Close ends any replay and flushes an in-flight recording. Process
// shutdown must come through here: an unflushed recorder leaves the file
// without its gzip trailer and it will not replay.
func (s *Server) Close() error {
	s.stopReplayIfAny()
	s.mu.Lock()
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()
	if rec == nil {
		return nil
	}
	s.m.SetTap(nil)
	err := rec.Close()
	s.log.Info("recording closed on shutdown",
		"file", rec.Path(), "lines", rec.Lines(), "dropped", rec.Dropped())
	return err
}

// --------- market.Emitter ----------

func (s *Server) EmitBook(b market.BookMsg)      { s.hub.push(marshalWS("book", b)) }
func (s *Server) EmitQuote(q feed.Quote)         { s.hub.push(marshalWS("quote", q)) }
func (s *Server) EmitTrade(p tape.Print)         { s.hub.push(marshalWS("trade", p)) }
func (s *Server) EmitAlert(a alert.Event)        { s.hub.push(marshalWS("alert", a)) }
func (s *Server) EmitRvol(a analytics.RvolAlert) { s.hub.push(marshalWS("rvol", a)) }

func (s *Server) EmitStatus(st market.StatusMsg) {
	s.mu.Lock()
	s.lastStatus = st
	s.mu.Unlock()
	s.hub.push(marshalWS("status", st))
}

func (s *Server) EmitError(msg string) {
	s.hub.push(marshalWS("error", map[string]string{"message": msg}))
}

// --------- Routes ----------

func (s *Server) routes() {
	// SPA
	s.mux.HandleFunc("/", s.serveIndex)
	s.mux.HandleFunc("/index.html", s.serveIndex)
	s.mux.HandleFunc("/app.js", s.serveStatic("./web/app.js", "text/javascript; charset=utf-8"))
	s.mux.HandleFunc("/styles.css", s.serveStatic("./web/styles.css", "text/css; charset=utf-8"))

	// Sounds
	s.mux.HandleFunc("/sounds/", s.serveSound)

	// WS
	s.mux.HandleFunc("/ws", s.hub.serveWS)

	// API
	s.mux.HandleFunc("/api/health", s.apiHealth)
	s.mux.HandleFunc("/api/config", s.apiConfig)
	s.mux.HandleFunc("/api/start", s.apiStart)
	s.mux.HandleFunc("/api/stop", s.apiStop)
	s.mux.HandleFunc("/api/threshold", s.apiThreshold)
	s.mux.HandleFunc("/api/side", s.apiSide)
	s.mux.HandleFunc("/api/microvwap", s.apiMicroVWAP)
	s.mux.HandleFunc("/api/record/start", s.apiRecordStart)
	s.mux.HandleFunc("/api/record/stop", s.apiRecordStop)
	s.mux.HandleFunc("/api/recordings", s.apiRecordings)
	s.mux.HandleFunc("/api/replay", s.apiReplay)
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	b, err := os.ReadFile("./web/index.html")
	if err != nil {
		http.Error(w, "index missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *Server) serveStatic(path, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := os.ReadFile(path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(b)
	}
}

func (s *Server) serveSound(w http.ResponseWriter, r *http.Request) {
	if s.snd == nil || !s.snd.Available() {
		http.NotFound(w, r)
		return
	}
	_, name := filepath.Split(s.snd.Path())
	if !strings.HasSuffix(r.URL.Path, name) {
		http.NotFound(w, r)
		return
	}
	// content-hashed URL, safe to cache hard
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeFile(w, r, s.snd.Path())
}

func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	connected := s.lastStatus.Connected
	recording := s.rec != nil
	replaying := s.player != nil
	s.mu.Unlock()
	writeJSON(w, map[string]any{
		"ok":        true,
		"connected": connected,
		"recording": recording,
		"replaying": replaying,
	})
}

func (s *Server) apiConfig(w http.ResponseWriter, r *http.Request) {
	st, p := s.m.Status()
	threshold := s.cfg.DefaultThresholdShares
	side := s.cfg.Side
	if st == market.Active {
		threshold = p.ThresholdShares
		side = string(p.Side)
	}
	writeJSON(w, map[string]any{
		"defaultThresholdShares": s.cfg.DefaultThresholdShares,
		"currentThresholdShares": threshold,
		"cooldownSeconds":        s.cfg.CooldownSeconds,
		"levelsToScan":           s.cfg.LevelsToScan,
		"currentSide":            side,
		"dollarThreshold":        s.cfg.DollarThreshold,
		"bigDollarThreshold":     s.cfg.BigDollarThreshold,
		"obiAlpha":               s.cfg.ObiAlpha,
		"obiLevels":              s.cfg.ObiLevels,
		"microVwapMinutes":       s.cfg.MicroVWAPMinutes,
		"microBandK":             s.cfg.MicroBandK,
		"rvolHot":                s.cfg.RvolHot,
		"rvolDanger":             s.cfg.RvolDanger,
		"soundAvailable":         s.snd != nil && s.snd.Available(),
		"soundURL":               s.soundURL(),
	})
}

func (s *Server) soundURL() string {
	if s.snd != nil {
		return s.snd.URL()
	}
	return ""
}

// threshold arrives either as a bare number or as {"shares": n}; both are
// normalized here, the machine never sees the polymorphism.
func parseThreshold(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, true
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n), true
	}
	var obj struct {
		Shares float64 `json:"shares"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return int(obj.Shares), true
	}
	return 0, false
}

func (s *Server) apiStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Symbol             string          `json:"symbol"`
		Threshold          json.RawMessage `json:"threshold,omitempty"`
		Side               string          `json:"side,omitempty"`
		DollarThreshold    *float64        `json:"dollarThreshold,omitempty"`
		BigDollarThreshold *float64        `json:"bigDollarThreshold,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	threshold, ok := parseThreshold(req.Threshold)
	if !ok {
		http.Error(w, "threshold must be a number or {\"shares\": n}", http.StatusBadRequest)
		return
	}
	if threshold <= 0 {
		threshold = s.cfg.DefaultThresholdShares
	}

	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if side == "" {
		side = s.cfg.Side
	}
	if side != "ASK" && side != "BID" {
		http.Error(w, "side must be ASK or BID", http.StatusBadRequest)
		return
	}

	params := market.Params{
		Symbol:             req.Symbol,
		ThresholdShares:    threshold,
		Side:               feed.Side(side),
		DollarThreshold:    s.cfg.DollarThreshold,
		BigDollarThreshold: s.cfg.BigDollarThreshold,
	}
	if req.DollarThreshold != nil {
		params.DollarThreshold = *req.DollarThreshold
	}
	if req.BigDollarThreshold != nil {
		params.BigDollarThreshold = *req.BigDollarThreshold
	}

	// going live supersedes any replay; otherwise Start would resubscribe
	// the player and re-run the old file under the new symbol
	s.stopReplayIfAny()

	eff, err := s.m.Start(params)
	if err != nil {
		if errors.Is(err, market.ErrNoSymbol) {
			http.Error(w, "symbol required", http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"ok":        true,
		"symbol":    eff.Symbol,
		"threshold": eff.ThresholdShares,
		"side":      eff.Side,
	})
}

func (s *Server) apiStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.stopReplayIfAny()
	s.m.Stop()
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) apiThreshold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Threshold json.RawMessage `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	threshold, ok := parseThreshold(req.Threshold)
	if !ok || threshold < 1 {
		http.Error(w, "threshold must be >=1", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "threshold": s.m.SetThreshold(threshold)})
}

func (s *Server) apiSide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Side string `json:"side"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if side != "ASK" && side != "BID" {
		http.Error(w, "side must be ASK or BID", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "side": s.m.SetSide(feed.Side(side))})
}

func (s *Server) apiMicroVWAP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Minutes float64 `json:"minutes"`
		BandK   float64 `json:"band_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Minutes == 0 {
		req.Minutes = s.cfg.MicroVWAPMinutes
	}
	if req.BandK == 0 {
		req.BandK = s.cfg.MicroBandK
	}
	minutes, bandK := s.m.SetMicroParams(req.Minutes, req.BandK)
	writeJSON(w, map[string]any{"ok": true, "minutes": minutes, "band_k": bandK})
}

func (s *Server) apiRecordStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	st, p := s.m.Status()
	if st != market.Active {
		http.Error(w, "no active symbol", http.StatusConflict)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil {
		http.Error(w, "already recording", http.StatusConflict)
		return
	}
	rec, err := record.StartRecorder(record.RecorderOptions{
		Dir:    s.cfg.RecordingDir,
		Symbol: p.Symbol,
		Logger: s.log,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.rec = rec
	s.m.SetTap(rec.Observe)
	s.log.Info("recording started", "file", rec.Path())
	writeJSON(w, map[string]any{"ok": true, "file": filepath.Base(rec.Path())})
}

func (s *Server) apiRecordStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()
	if rec == nil {
		http.Error(w, "not recording", http.StatusConflict)
		return
	}
	s.m.SetTap(nil)
	closeErr := rec.Close()
	s.log.Info("recording stopped", "file", rec.Path(), "lines", rec.Lines(), "dropped", rec.Dropped())
	resp := map[string]any{
		"ok":      closeErr == nil,
		"file":    filepath.Base(rec.Path()),
		"lines":   rec.Lines(),
		"dropped": rec.Dropped(),
	}
	if closeErr != nil {
		resp["error"] = closeErr.Error()
	}
	writeJSON(w, resp)
}

func (s *Server) apiRecordings(w http.ResponseWriter, r *http.Request) {
	names, err := record.ListRecordings(s.cfg.RecordingDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, map[string]any{"ok": true, "recordings": names})
}

func (s *Server) apiReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		File string  `json:"file"`
		Rate float64 `json:"rate,omitempty"`
		Loop *bool   `json:"loop,omitempty"`
		Stop bool    `json:"stop,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Stop {
		if !s.stopReplayIfAny() {
			http.Error(w, "not replaying", http.StatusConflict)
			return
		}
		s.m.Stop()
		writeJSON(w, map[string]any{"ok": true})
		return
	}
	if req.File == "" {
		http.Error(w, "file required", http.StatusBadRequest)
		return
	}

	rate := req.Rate
	if rate <= 0 {
		rate = s.cfg.ReplayRate
	}
	loop := s.cfg.ReplayLoop
	if req.Loop != nil {
		loop = *req.Loop
	}

	// names only, never caller paths
	path := filepath.Join(s.cfg.RecordingDir, filepath.Base(req.File))
	player, err := record.Open(path, rate, loop, s.log)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "recording not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sym := player.Symbol()
	if sym == "" {
		http.Error(w, "recording has no symbol", http.StatusBadRequest)
		return
	}
	player.OnFinish = func() { s.finishReplay(player) }

	s.stopReplayIfAny()
	s.mu.Lock()
	s.player = player
	s.mu.Unlock()

	s.m.SwapSource(player)
	if _, err := s.m.Start(market.Params{
		Symbol:             sym,
		ThresholdShares:    s.cfg.DefaultThresholdShares,
		Side:               feed.Side(s.cfg.Side),
		DollarThreshold:    s.cfg.DollarThreshold,
		BigDollarThreshold: s.cfg.BigDollarThreshold,
	}); err != nil {
		s.finishReplay(player)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("replay started", "file", req.File, "rate", rate, "loop", loop)
	writeJSON(w, map[string]any{"ok": true, "symbol": sym, "rate": rate, "loop": loop})
}

// stopReplayIfAny swaps the live source back in. Reports whether a replay
// was actually active.
func (s *Server) stopReplayIfAny() bool {
	s.mu.Lock()
	player := s.player
	s.player = nil
	s.mu.Unlock()
	if player == nil {
		return false
	}
	player.Close()
	s.m.SwapSource(s.live)
	return true
}

// finishReplay runs when a non-loop replay reaches end of file.
func (s *Server) finishReplay(player *record.Player) {
	s.mu.Lock()
	active := s.player == player
	if active {
		s.player = nil
	}
	s.mu.Unlock()
	if !active {
		return
	}
	s.m.Stop()
	s.m.SwapSource(s.live)
	s.log.Info("replay finished", "skipped", player.Skipped())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

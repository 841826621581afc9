package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"log"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/serialgps/internal/config"
	"github.com/shaunagostinho/serialgps/internal/conn"
	"github.com/shaunagostinho/serialgps/internal/gps"
	"github.com/shaunagostinho/serialgps/internal/port"
	"github.com/shaunagostinho/serialgps/internal/sink"
)

// StatsSource reports transport counters.
type StatsSource interface {
	Stats() conn.Stats
}

// RecorderControl toggles CSV recording at runtime.
type RecorderControl interface {
	SetEnabled(on bool)
	IsEnabled() bool
	Path() string
}

// Server serves the status page and API, and broadcasts every channel value
// it receives as a sink to WebSocket clients.
type Server struct {
	cfg    *config.Config
	stats  StatsSource
	prober *port.Prober
	rec    RecorderControl
	webFS  fs.FS
	state  *sink.Memory
	odo    *Odometer

	listPorts func() ([]string, error)

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients. The first frame
// after connecting carries every known channel; later frames carry only
// what changed.
type Frame struct {
	Channels map[string]sink.Value `json:"channels,omitempty"`
	Stats    *conn.Stats           `json:"stats,omitempty"`
	Odo      *OdoData              `json:"odo,omitempty"`
	Stamp    int64                 `json:"stamp"` // Unix ms
}

// State is the /api/state response.
type State struct {
	Channels map[string]sink.Value `json:"channels"`
	Stats    *conn.Stats           `json:"stats,omitempty"`
	Odo      OdoData               `json:"odo"`
}

// New creates a new Server. Stats and port probing stay unavailable until
// Attach is called.
func New(cfg *config.Config, webFS fs.FS) *Server {
	return &Server{
		cfg:       cfg,
		webFS:     webFS,
		state:     sink.NewMemory(),
		odo:       NewOdometer(odometerPath(cfg.Path())),
		listPorts: port.List,
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach wires the transport whose counters /api/state reports and the
// prober used by the port endpoints. Call it before Run.
func (s *Server) Attach(stats StatsSource, prober *port.Prober) {
	s.stats = stats
	s.prober = prober
}

// SetRecorder exposes rec on /api/recorder.
func (s *Server) SetRecorder(rec RecorderControl) {
	s.rec = rec
}

// Set records a channel value, feeds the odometer and broadcasts the change.
func (s *Server) Set(id string, value any, ts time.Time) error {
	s.state.Set(id, value, ts)

	frame := Frame{
		Channels: map[string]sink.Value{id: sink.NewValue(value, ts)},
		Stamp:    time.Now().UnixMilli(),
	}
	if s.feedOdometer(id, value) {
		odo := s.odo.Data()
		frame.Odo = &odo
	}
	s.broadcast(frame)
	return nil
}

// feedOdometer reports whether the odometer advanced.
func (s *Server) feedOdometer(id string, value any) bool {
	if id != gps.ChanLatLon {
		return false
	}
	lat, lon, ok := parseLatLon(value)
	if !ok {
		return false
	}
	moving := false
	if v, ok := s.state.Get(gps.ChanSpeedKmh); ok {
		if kmh, ok := v.Val.(float64); ok && kmh > 1 {
			moving = true
		}
	}
	return s.odo.Update(lat, lon, moving)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/ports/test", s.handlePortTest)
	mux.HandleFunc("/api/ports/detect", s.handlePortDetect)
	mux.HandleFunc("/api/odo/reset-trip", s.handleResetTrip)
	mux.HandleFunc("/api/recorder", s.handleRecorder)
	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	// Persist odometer every 30 seconds
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.odo.Save()
			}
		}
	}()

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.odo.Save()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) currentStats() *conn.Stats {
	if s.stats == nil {
		return nil
	}
	st := s.stats.Stats()
	return &st
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: c,
		send: make(chan []byte, 64),
	}

	// Register and queue the snapshot under the same lock so a concurrent Set
	// either lands in the snapshot or is broadcast to this client afterwards.
	s.clientsMu.Lock()
	odo := s.odo.Data()
	snap := Frame{
		Channels: s.state.Snapshot(),
		Stats:    s.currentStats(),
		Odo:      &odo,
		Stamp:    time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(snap); err == nil {
		client.send <- data
	}
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer c.Close()
		for msg := range client.send {
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, State{
		Channels: s.state.Snapshot(),
		Stats:    s.currentStats(),
		Odo:      s.odo.Data(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ports, err := s.listPorts()
	if err != nil {
		log.Printf("[port] %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"ports": ports})
}

func (s *Server) handlePortTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.prober == nil {
		http.Error(w, "probing unavailable", http.StatusServiceUnavailable)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	baud, err := strconv.Atoi(r.URL.Query().Get("baud"))
	if err != nil || baud <= 0 {
		http.Error(w, "baud must be a positive integer", http.StatusBadRequest)
		return
	}
	ok := s.prober.Test(r.Context(), path, baud)
	writeJSON(w, map[string]any{"path": path, "baud": baud, "ok": ok})
}

func (s *Server) handlePortDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.prober == nil {
		http.Error(w, "probing unavailable", http.StatusServiceUnavailable)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	baud, ok := s.prober.DetectBaudRate(r.Context(), path)
	resp := map[string]any{"path": path, "ok": ok}
	if ok {
		resp["baud"] = baud
	}
	writeJSON(w, resp)
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.odo.ResetTrip()
	s.odo.Save()
	odo := s.odo.Data()
	s.broadcast(Frame{Odo: &odo, Stamp: time.Now().UnixMilli()})
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type recorderState struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

func (s *Server) handleRecorder(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		http.Error(w, "recorder unavailable", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			http.Error(w, `body must be {"enabled": true|false}`, http.StatusBadRequest)
			return
		}
		s.rec.SetEnabled(*req.Enabled)
		log.Printf("[recorder] enabled=%v", *req.Enabled)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, recorderState{Enabled: s.rec.IsEnabled(), Path: s.rec.Path()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// Package server exposes a session's diagnostics, constant table, and
// live telemetry over HTTP and WebSocket, generalizing a single
// ticker-driven poll-and-broadcast loop to any loaded definition.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RallyPat/LibreTune-sub000/internal/hostconfig"
	"github.com/RallyPat/LibreTune-sub000/internal/session"
	"github.com/RallyPat/LibreTune-sub000/internal/telemetrylog"
)

// Server coordinates session polling and broadcasts telemetry frames
// to WebSocket subscribers while serving the constant/config/burn API.
type Server struct {
	cfg  *hostconfig.Config
	sess *session.Session
	log  *telemetrylog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// TelemetryFrame is the JSON structure broadcast to WebSocket clients.
type TelemetryFrame struct {
	Channels map[string]float64 `json:"channels"`
	Stamp    int64              `json:"stamp"`
}

// New creates a Server around a session; the session need not be open
// yet.
func New(cfg *hostconfig.Config, sess *session.Session) *Server {
	return &Server{
		cfg:  cfg,
		sess: sess,
		log: telemetrylog.New(telemetrylog.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and the poll/broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/constants/", s.handleConstants)
	mux.HandleFunc("/api/burn/", s.handleBurn)
	mux.HandleFunc("/api/revert", s.handleRevert)
	mux.HandleFunc("/api/config", s.handleConfig)

	go s.pollLoop(ctx)

	srv := &http.Server{Addr: s.cfg.Server.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		s.log.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("server: listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

func (s *Server) pollLoop(ctx context.Context) {
	hz := s.cfg.Session.PollHz
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := s.sess.Poll(ctx)
			if err != nil {
				log.Printf("server: poll: %v", err)
				continue
			}
			s.broadcast(TelemetryFrame{Channels: frame.Channels, Stamp: frame.Stamp.UnixMilli()})
			s.log.Record(frame)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: ws upgrade: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()
	log.Printf("server: ws client connected (%d total)", len(s.clients))

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("server: ws client disconnected (%d total)", len(s.clients))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame TelemetryFrame) {
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
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	diag := s.sess.Diagnostics()
	writeJSON(w, diag)
}

func (s *Server) handleConstants(w http.ResponseWriter, r *http.Request) {
	def := s.sess.Definition()
	switch r.Method {
	case http.MethodGet:
		pageStr := r.URL.Path[len("/api/constants/"):]
		page, err := strconv.Atoi(pageStr)
		if err != nil {
			http.Error(w, "bad page number", http.StatusBadRequest)
			return
		}
		out := map[string]float64{}
		for name, c := range def.Constants {
			if int(c.Page) != page {
				continue
			}
			if v, err := s.sess.ReadConstant(name, 0); err == nil {
				out[name] = v
			}
		}
		writeJSON(w, out)

	case http.MethodPost:
		name := r.URL.Path[len("/api/constants/"):]
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var req struct {
			ElementIndex int     `json:"elementIndex"`
			Value        float64 `json:"value"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := s.sess.WriteConstant(name, req.ElementIndex, req.Value); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pageStr := r.URL.Path[len("/api/burn/"):]
	page, err := strconv.Atoi(pageStr)
	if err != nil {
		http.Error(w, "bad page number", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.sess.Flush(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.sess.Burn(ctx, uint8(page)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sess.Revert()
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("server: config save failed: %v", err)
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

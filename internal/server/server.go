// Package server is the signaling transport: a per-peer server-to-client
// event stream, a point-to-point/broadcast message relay, and a room-scoped
// audio frame bridge. Membership and routing live in the registry.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/config"
	"github.com/yatochka-dev/babel-synth/internal/metrics"
	"github.com/yatochka-dev/babel-synth/internal/registry"
	"github.com/yatochka-dev/babel-synth/internal/signal"
)

// Server wires the HTTP surface to the room registry.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	audio    *audioHub
	logger   *zap.Logger
}

// New creates a server around an injected registry instance.
func New(cfg *config.Config, reg *registry.Registry, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		audio:    newAudioHub(cfg.AudioQueueFrames, logger),
		logger:   logger,
	}
}

// Handler builds the chi router for the public API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/rooms/{room}", func(r chi.Router) {
		r.Post("/join", s.handleJoin)
		r.Post("/signal", s.handleSignal)
		r.Get("/events", s.handleEvents)
		r.Get("/audio", s.audio.handleAudio)
	})

	return r
}

// Shutdown closes every open event channel, which runs each channel's
// teardown path (peer-left broadcast, registry cleanup).
func (s *Server) Shutdown() {
	for _, ch := range s.registry.Channels() {
		ch.Close()
	}
	s.audio.closeAll()
	s.logger.Info("server shutdown complete")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type joinRequest struct {
	Peer string `json:"peer"`
}

type joinResponse struct {
	Accepted  bool     `json:"accepted"`
	Initiator bool     `json:"initiator"`
	Others    []string `json:"others"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	room := roomParam(r)

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || room == "" || req.Peer == "" {
		metrics.JoinsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "missing room or peer")
		return
	}

	res, err := s.registry.Join(room, req.Peer)
	if err != nil {
		if errors.Is(err, registry.ErrRoomFull) {
			metrics.JoinsTotal.WithLabelValues("room_full").Inc()
			writeError(w, http.StatusForbidden, "room full (max 2)")
			return
		}
		s.logger.Error("join failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "join failed")
		return
	}
	metrics.JoinsTotal.WithLabelValues("accepted").Inc()

	// Existing members learn about the newcomer; the initiator reacts by
	// creating an offer.
	s.registry.BroadcastExcept(room, signal.PeerJoined(req.Peer), req.Peer)

	writeJSON(w, http.StatusOK, joinResponse{
		Accepted:  true,
		Initiator: res.Initiator,
		Others:    res.Others,
	})
}

type relayRequest struct {
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Type    signal.Type     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handleSignal relays one message. Acceptance is acknowledged, delivery is
// not: messages for rooms or peers that no longer exist are dropped, which
// absorbs the race between a peer leaving and its counterpart still
// sending candidates.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	room := roomParam(r)

	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || room == "" || req.From == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "missing room, from or type")
		return
	}
	if !req.Type.Known() {
		writeError(w, http.StatusBadRequest, "unknown message type")
		return
	}

	msg := signal.Message{
		Type:    req.Type,
		From:    req.From,
		To:      req.To,
		Payload: req.Payload,
	}

	if req.To != "" {
		s.registry.SendTo(room, req.To, msg)
	} else {
		s.registry.BroadcastExcept(room, msg, req.From)
	}
	metrics.RelayedTotal.WithLabelValues(string(req.Type)).Inc()

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// roomParam decodes the room id from the request path. Room ids are
// opaque strings; clients escape them, and the router keeps escaped
// segments as-is.
func roomParam(r *http.Request) string {
	room := chi.URLParam(r, "room")
	if decoded, err := url.PathUnescape(room); err == nil {
		return decoded
	}
	return room
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

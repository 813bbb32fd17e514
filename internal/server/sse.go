package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/metrics"
	"github.com/yatochka-dev/babel-synth/internal/signal"
)

// handleEvents serves a peer's long-lived push channel as a server-sent
// event stream. Opening a channel for a peer that already has one tears
// the old channel down first: last connection wins, and the old channel's
// cleanup side effects fire exactly once before the replacement installs.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	room := roomParam(r)
	peer := r.URL.Query().Get("peer")
	if room == "" || peer == "" {
		writeError(w, http.StatusBadRequest, "missing room or peer")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	logger := s.logger.With(zap.String("room", room), zap.String("peer", peer))

	ch := newPeerChannel(s.cfg.ChannelBuffer)
	ch.teardown = func() {
		if s.registry.Detach(room, peer, ch) {
			s.registry.Leave(room, peer)
			s.registry.BroadcastExcept(room, signal.PeerLeft(peer), peer)
			logger.Info("channel closed")
		}
		close(ch.done)
	}

	if prev := s.registry.Channel(room, peer); prev != nil {
		metrics.ChannelsReplacedTotal.Inc()
		logger.Info("replacing existing channel")
		prev.Close()
	}
	s.registry.Attach(room, peer, ch)
	defer ch.Close()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The ready announcement lets the client distinguish "channel open"
	// from "channel pending".
	if err := writeEvent(w, signal.Ready()); err != nil {
		return
	}
	flusher.Flush()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ch.done:
			return
		case msg := <-ch.msgs:
			if err := writeEvent(w, msg); err != nil {
				logger.Warn("write event", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-ping.C:
			// Keeps intermediaries from reclaiming the idle connection.
			if _, err := fmt.Fprint(w, "event: ping\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, msg signal.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

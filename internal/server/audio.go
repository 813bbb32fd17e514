package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/metrics"
)

const (
	audioWriteWait  = 10 * time.Second
	audioPongWait   = 60 * time.Second
	audioPingPeriod = (audioPongWait * 9) / 10
	// Enough for a generous PCM frame; anything larger is a protocol error.
	audioMaxFrame = 64 * 1024
)

var audioUpgrader = websocket.Upgrader{
	ReadBufferSize:  audioMaxFrame,
	WriteBufferSize: audioMaxFrame,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// audioHub fans binary PCM frames out room-wide: every frame a peer sends
// is forwarded to all other audio connections in the room. Each receiver
// has a bounded queue; when it is full the oldest frame is dropped so a
// slow client costs latency, not memory.
type audioHub struct {
	mu        sync.Mutex
	rooms     map[string]map[string]*audioClient
	queueSize int
	logger    *zap.Logger
}

// audioClient's send channel is never closed; fanout may race with a
// disconnect, so shutdown is signalled through done instead.
type audioClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *audioClient) close() {
	c.once.Do(func() { close(c.done) })
}

func newAudioHub(queueSize int, logger *zap.Logger) *audioHub {
	return &audioHub{
		rooms:     make(map[string]map[string]*audioClient),
		queueSize: queueSize,
		logger:    logger,
	}
}

func (h *audioHub) handleAudio(w http.ResponseWriter, r *http.Request) {
	room := roomParam(r)
	peer := r.URL.Query().Get("peer")
	if room == "" || peer == "" {
		writeError(w, http.StatusBadRequest, "missing room or peer")
		return
	}

	conn, err := audioUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("audio upgrade failed", zap.Error(err))
		return
	}

	logger := h.logger.With(zap.String("room", room), zap.String("peer", peer))

	client := &audioClient{
		conn: conn,
		send: make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}
	h.register(room, peer, client)
	metrics.ActiveAudioConns.Inc()
	logger.Info("audio connection opened")

	go client.writePump()
	h.readPump(room, peer, client, logger)

	h.unregister(room, peer, client)
	metrics.ActiveAudioConns.Dec()
	logger.Info("audio connection closed")
}

func (h *audioHub) register(room, peer string, client *audioClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.rooms[room]
	if clients == nil {
		clients = make(map[string]*audioClient)
		h.rooms[room] = clients
	}
	if prev, ok := clients[peer]; ok {
		// Reconnect: last connection wins.
		prev.close()
	}
	clients[peer] = client
}

func (h *audioHub) unregister(room, peer string, client *audioClient) {
	h.mu.Lock()
	if clients, ok := h.rooms[room]; ok && clients[peer] == client {
		delete(clients, peer)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	client.close()
}

// fanout forwards one frame to every other client in the room. A full
// receiver queue drops the oldest frame first, mirroring the jitter
// buffer's bounded-latency policy.
func (h *audioHub) fanout(room, sender string, frame []byte) {
	h.mu.Lock()
	targets := make([]*audioClient, 0, 1)
	for peer, c := range h.rooms[room] {
		if peer != sender {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- frame:
		default:
			select {
			case <-c.send:
				metrics.AudioDroppedTotal.Inc()
			default:
			}
			select {
			case c.send <- frame:
			default:
				// Lost the race again; this frame is dropped too.
				metrics.AudioDroppedTotal.Inc()
			}
		}
	}
}

func (h *audioHub) readPump(room, peer string, client *audioClient, logger *zap.Logger) {
	client.conn.SetReadLimit(audioMaxFrame)
	client.conn.SetReadDeadline(time.Now().Add(audioPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(audioPongWait))
		return nil
	})

	for {
		mt, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("audio read", zap.Error(err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		metrics.AudioFramesTotal.Inc()
		h.fanout(room, peer, data)
	}
}

func (c *audioClient) writePump() {
	ticker := time.NewTicker(audioPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(audioWriteWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(audioWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(audioWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// closeAll terminates every audio connection, for shutdown.
func (h *audioHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room, clients := range h.rooms {
		for _, c := range clients {
			c.close()
		}
		delete(h.rooms, room)
	}
}

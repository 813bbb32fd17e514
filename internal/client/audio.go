package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	audioWriteWait  = 10 * time.Second
	audioPongWait   = 60 * time.Second
	audioPingPeriod = (audioPongWait * 9) / 10
	audioMaxFrame   = 64 * 1024
)

// AudioConn is one peer's connection to the room's audio fan-out bridge.
// Outbound frames go through SendFrame; inbound frames from the other
// peer arrive on Frames, which closes on disconnect.
type AudioConn struct {
	conn   *websocket.Conn
	frames chan []byte
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// DialAudio connects to the room's audio bridge.
func (c *Client) DialAudio(ctx context.Context, room, peer string) (*AudioConn, error) {
	endpoint := strings.Replace(c.roomURL(room, "audio"), "http", "ws", 1) +
		"?" + url.Values{"peer": {peer}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial audio bridge: %w", err)
	}

	ac := &AudioConn{
		conn:   conn,
		frames: make(chan []byte, 32),
		send:   make(chan []byte, 32),
		done:   make(chan struct{}),
		logger: c.logger.With(zap.String("room", room), zap.String("peer", peer)),
	}
	go ac.readPump()
	go ac.writePump()
	return ac, nil
}

// Frames returns the inbound frame channel. It closes on disconnect.
func (ac *AudioConn) Frames() <-chan []byte { return ac.frames }

// SendFrame queues one binary PCM frame. A congested connection drops the
// frame rather than blocking the capture path.
func (ac *AudioConn) SendFrame(frame []byte) {
	select {
	case ac.send <- frame:
	case <-ac.done:
	default:
		ac.logger.Debug("outbound audio frame dropped")
	}
}

// Close terminates the connection. Safe to call more than once.
func (ac *AudioConn) Close() {
	ac.once.Do(func() { close(ac.done) })
}

func (ac *AudioConn) readPump() {
	defer func() {
		ac.conn.Close()
		close(ac.frames)
	}()

	ac.conn.SetReadLimit(audioMaxFrame)
	ac.conn.SetReadDeadline(time.Now().Add(audioPongWait))
	ac.conn.SetPongHandler(func(string) error {
		ac.conn.SetReadDeadline(time.Now().Add(audioPongWait))
		return nil
	})

	for {
		mt, data, err := ac.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		select {
		case ac.frames <- data:
		case <-ac.done:
			return
		}
	}
}

func (ac *AudioConn) writePump() {
	ticker := time.NewTicker(audioPingPeriod)
	defer func() {
		ticker.Stop()
		ac.conn.Close()
	}()

	for {
		select {
		case frame := <-ac.send:
			ac.conn.SetWriteDeadline(time.Now().Add(audioWriteWait))
			if err := ac.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			ac.conn.SetWriteDeadline(time.Now().Add(audioWriteWait))
			if err := ac.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ac.done:
			ac.conn.SetWriteDeadline(time.Now().Add(audioWriteWait))
			ac.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// Package client is the peer-side face of the signaling transport: join,
// relay, the server-sent event subscription, and the audio bridge.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/signal"
)

// ErrRoomFull mirrors the server's rejection of a third distinct member.
// It is terminal; the client does not retry.
var ErrRoomFull = errors.New("room full (max 2)")

// JoinResult is the server's verdict on a join request.
type JoinResult struct {
	Accepted  bool     `json:"accepted"`
	Initiator bool     `json:"initiator"`
	Others    []string `json:"others"`
}

// Client talks to one signaling server.
type Client struct {
	baseURL string
	// api has a timeout; stream must not, it carries the long-lived
	// event subscription.
	api    *http.Client
	stream *http.Client
	logger *zap.Logger
}

// roomURL builds an endpoint URL with the room id path-escaped. Room and
// peer ids are opaque; nothing stops them containing separators.
func (c *Client) roomURL(room, endpoint string) string {
	return fmt.Sprintf("%s/v1/rooms/%s/%s", c.baseURL, url.PathEscape(room), endpoint)
}

// New creates a client for the server at baseURL (e.g. "http://host:8080").
func New(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		api:     &http.Client{Timeout: 15 * time.Second},
		stream:  &http.Client{},
		logger:  logger,
	}
}

// Join requests admission to a room. A full room surfaces as ErrRoomFull.
func (c *Client) Join(ctx context.Context, room, peer string) (JoinResult, error) {
	body, _ := json.Marshal(map[string]string{"peer": peer})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.roomURL(room, "join"), bytes.NewReader(body))
	if err != nil {
		return JoinResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return JoinResult{}, ErrRoomFull
	default:
		return JoinResult{}, fmt.Errorf("join rejected: %s", resp.Status)
	}

	var res JoinResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return JoinResult{}, fmt.Errorf("decode join response: %w", err)
	}
	return res, nil
}

// Relay submits one signaling message for delivery. Acceptance only:
// the server drops messages for departed peers without telling us.
func (c *Client) Relay(ctx context.Context, room string, msg signal.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.roomURL(room, "signal"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay rejected: %s", resp.Status)
	}
	return nil
}

// RoomSignaler binds Relay to one room, matching the negotiation engine's
// Signaler contract.
type RoomSignaler struct {
	client *Client
	room   string
}

// Signaler returns a sender scoped to room.
func (c *Client) Signaler(room string) *RoomSignaler {
	return &RoomSignaler{client: c, room: room}
}

// Send relays msg into the bound room.
func (rs *RoomSignaler) Send(ctx context.Context, msg signal.Message) error {
	return rs.client.Relay(ctx, rs.room, msg)
}

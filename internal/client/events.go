package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/signal"
)

// sdp blobs run to tens of kilobytes; size the line buffer accordingly.
const maxEventLine = 256 * 1024

// EventStream is a live server-sent event subscription. Messages closes
// when the channel is lost, which the caller should treat as ChannelLost.
type EventStream struct {
	msgs   chan signal.Message
	cancel context.CancelFunc
	body   io.ReadCloser
}

// Messages returns the inbound message channel. It closes on disconnect.
func (es *EventStream) Messages() <-chan signal.Message { return es.msgs }

// Close terminates the subscription.
func (es *EventStream) Close() {
	es.cancel()
	es.body.Close()
}

// Subscribe opens the peer's push channel. The returned stream is live
// once this returns; the server's ready announcement is delivered like
// any other message.
func (c *Client) Subscribe(ctx context.Context, room, peer string) (*EventStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.roomURL(room, "events")+"?"+url.Values{"peer": {peer}}.Encode(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("subscribe rejected: %s", resp.Status)
	}

	es := &EventStream{
		msgs:   make(chan signal.Message, 32),
		cancel: cancel,
		body:   resp.Body,
	}
	go es.readLoop(ctx, resp.Body, c.logger.With(zap.String("room", room), zap.String("peer", peer)))
	return es, nil
}

func (es *EventStream) readLoop(ctx context.Context, body io.Reader, logger *zap.Logger) {
	defer close(es.msgs)
	parseEvents(ctx, body, es.msgs, logger)
	logger.Info("event stream ended")
}

// parseEvents consumes a server-sent event stream line by line and pushes
// each decoded default-event message into out. Named events (the liveness
// ping) and comments are skipped.
func parseEvents(ctx context.Context, body io.Reader, out chan<- signal.Message, logger *zap.Logger) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 4096), maxEventLine)

	var event string
	var data strings.Builder

	flush := func() {
		defer func() {
			event = ""
			data.Reset()
		}()
		if data.Len() == 0 || event != "" {
			return
		}
		var msg signal.Message
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
			logger.Warn("malformed event", zap.Error(err))
			return
		}
		if !msg.Type.Known() {
			logger.Debug("ignoring unknown event type", zap.String("type", string(msg.Type)))
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// Comment.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
}

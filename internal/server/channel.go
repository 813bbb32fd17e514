package server

import (
	"sync"

	"github.com/yatochka-dev/babel-synth/internal/metrics"
	"github.com/yatochka-dev/babel-synth/internal/signal"
)

// peerChannel is one peer's outbound push channel. Sends never block: a
// full queue drops the message and counts it. Teardown runs exactly once
// no matter how many paths race to trigger it (handler exit, reconnect
// replacement, server shutdown).
type peerChannel struct {
	msgs chan signal.Message
	done chan struct{}

	once     sync.Once
	teardown func()
}

func newPeerChannel(buffer int) *peerChannel {
	return &peerChannel{
		msgs: make(chan signal.Message, buffer),
		done: make(chan struct{}),
	}
}

// Send queues msg for the channel's single writer goroutine. Writes to one
// channel are serialized by that goroutine regardless of which context
// (broadcast, direct send, liveness pulse) produced them.
func (c *peerChannel) Send(msg signal.Message) {
	select {
	case c.msgs <- msg:
	default:
		metrics.DroppedTotal.Inc()
	}
}

// Close runs the teardown path once: deregistration, peer-left broadcast,
// room cleanup, and release of the handler goroutine.
func (c *peerChannel) Close() {
	c.once.Do(c.teardown)
}

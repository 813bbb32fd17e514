package registry

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/metrics"
	"github.com/yatochka-dev/babel-synth/internal/signal"
)

// MaxPeers is the hard membership cap per room. The negotiation protocol
// is strictly two-party; the third distinct joiner is always rejected.
const MaxPeers = 2

// ErrRoomFull is returned by Join when admitting the peer would exceed
// MaxPeers distinct members.
var ErrRoomFull = errors.New("room full (max 2)")

// Channel is a peer's outbound push channel as the registry sees it.
// Send must not block; Close must be idempotent.
type Channel interface {
	Send(signal.Message)
	Close()
}

// JoinResult is the outcome of an accepted join.
type JoinResult struct {
	// Initiator is true for the first peer in the room's join order.
	// Only the initiator ever originates an offer.
	Initiator bool
	// Others lists the room's other current members in join order.
	Others []string
}

type room struct {
	order    []string
	channels map[string]Channel
}

func (r *room) member(peer string) bool {
	for _, p := range r.order {
		if p == peer {
			return true
		}
	}
	return false
}

func (r *room) empty() bool {
	return len(r.order) == 0 && len(r.channels) == 0
}

// Registry is the authoritative in-memory room table. All mutations go
// through its methods under one lock; rooms hold at most two members so
// contention is negligible.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*room
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		logger: logger,
	}
}

// Join admits peer into roomID, creating the room on first join. Re-joining
// is idempotent and keeps the peer's position in the join order. The third
// distinct peer is rejected with ErrRoomFull and no state is mutated.
func (reg *Registry) Join(roomID, peer string) (JoinResult, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm := reg.rooms[roomID]
	if rm == nil {
		rm = &room{channels: make(map[string]Channel)}
		reg.rooms[roomID] = rm
		metrics.ActiveRooms.Inc()
	}

	if !rm.member(peer) {
		if len(rm.order) >= MaxPeers {
			return JoinResult{}, ErrRoomFull
		}
		rm.order = append(rm.order, peer)
		metrics.ActivePeers.Inc()
	}

	others := make([]string, 0, len(rm.order)-1)
	for _, p := range rm.order {
		if p != peer {
			others = append(others, p)
		}
	}

	reg.logger.Info("peer joined",
		zap.String("room", roomID),
		zap.String("peer", peer),
		zap.Bool("initiator", rm.order[0] == peer),
		zap.Int("members", len(rm.order)),
	)

	return JoinResult{Initiator: rm.order[0] == peer, Others: others}, nil
}

// Leave removes peer from roomID's membership. Leaving a room or peer that
// does not exist is a no-op; the room is deleted once fully empty.
func (reg *Registry) Leave(roomID, peer string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm := reg.rooms[roomID]
	if rm == nil || !rm.member(peer) {
		return
	}

	kept := rm.order[:0]
	for _, p := range rm.order {
		if p != peer {
			kept = append(kept, p)
		}
	}
	rm.order = kept
	metrics.ActivePeers.Dec()

	reg.logger.Info("peer left", zap.String("room", roomID), zap.String("peer", peer))
	reg.deleteIfEmptyLocked(roomID, rm)
}

// Channel returns the outbound channel currently installed for peer, or
// nil. Used by the transport to tear an old channel down before replacing
// it on reconnect.
func (reg *Registry) Channel(roomID, peer string) Channel {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm := reg.rooms[roomID]
	if rm == nil {
		return nil
	}
	return rm.channels[peer]
}

// Attach installs ch as peer's outbound channel, creating the room if
// needed. Attachment is independent of membership: a peer holds a channel
// from the moment it connects, but receives broadcasts only once joined.
func (reg *Registry) Attach(roomID, peer string, ch Channel) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm := reg.rooms[roomID]
	if rm == nil {
		rm = &room{channels: make(map[string]Channel)}
		reg.rooms[roomID] = rm
		metrics.ActiveRooms.Inc()
	}
	rm.channels[peer] = ch
	metrics.ActiveChannels.Inc()
}

// Detach removes peer's channel if ch is still the installed one, and
// reports whether it was. A stale channel (already replaced by a
// reconnect) detaching is a no-op, which keeps teardown side effects from
// firing against the replacement.
func (reg *Registry) Detach(roomID, peer string, ch Channel) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm := reg.rooms[roomID]
	if rm == nil || rm.channels[peer] != ch {
		return false
	}
	delete(rm.channels, peer)
	metrics.ActiveChannels.Dec()
	reg.deleteIfEmptyLocked(roomID, rm)
	return true
}

// BroadcastExcept delivers msg to every current member's channel except
// exceptPeer. Absent rooms and members without channels are skipped
// silently.
func (reg *Registry) BroadcastExcept(roomID string, msg signal.Message, exceptPeer string) {
	reg.mu.Lock()
	targets := reg.collectLocked(roomID, exceptPeer)
	reg.mu.Unlock()

	for _, ch := range targets {
		ch.Send(msg)
	}
}

// SendTo delivers msg to a single peer's channel if present. Races where
// the target just disconnected resolve to a silent drop.
func (reg *Registry) SendTo(roomID, to string, msg signal.Message) {
	reg.mu.Lock()
	var ch Channel
	if rm := reg.rooms[roomID]; rm != nil {
		ch = rm.channels[to]
	}
	reg.mu.Unlock()

	if ch != nil {
		ch.Send(msg)
	}
}

// Channels returns a snapshot of every attached channel, for shutdown.
func (reg *Registry) Channels() []Channel {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var out []Channel
	for _, rm := range reg.rooms {
		for _, ch := range rm.channels {
			out = append(out, ch)
		}
	}
	return out
}

// Rooms returns the number of live rooms.
func (reg *Registry) Rooms() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Members returns roomID's membership in join order.
func (reg *Registry) Members(roomID string) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm := reg.rooms[roomID]
	if rm == nil {
		return nil
	}
	out := make([]string, len(rm.order))
	copy(out, rm.order)
	return out
}

func (reg *Registry) collectLocked(roomID, exceptPeer string) []Channel {
	rm := reg.rooms[roomID]
	if rm == nil {
		return nil
	}
	targets := make([]Channel, 0, len(rm.order))
	for _, p := range rm.order {
		if p == exceptPeer {
			continue
		}
		if ch, ok := rm.channels[p]; ok {
			targets = append(targets, ch)
		}
	}
	return targets
}

func (reg *Registry) deleteIfEmptyLocked(roomID string, rm *room) {
	if rm.empty() {
		delete(reg.rooms, roomID)
		metrics.ActiveRooms.Dec()
		reg.logger.Info("room deleted", zap.String("room", roomID))
	}
}

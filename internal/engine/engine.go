// Package engine drives a per-remote-peer negotiation state machine: it
// turns room-membership events and relayed signaling messages into the
// offer/answer/candidate exchange that establishes a media transport.
package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/signal"
)

// State is the engine's negotiation phase.
type State int

const (
	StateIdle State = iota
	StateAwaitingJoin
	StateOffering
	StateAnswering
	StateNegotiating
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingJoin:
		return "awaiting-join"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Signaler sends a signaling message toward the room. Delivery is
// best-effort; the engine never retries.
type Signaler interface {
	Send(ctx context.Context, msg signal.Message) error
}

// SessionTransport is the media transport under negotiation, opaque to the
// engine beyond description and candidate plumbing. The connection-state
// callback fires with true when the transport connects and false when it
// fails or closes; intermediate states are not reported.
type SessionTransport interface {
	// CreateOffer produces and installs the local offer description.
	CreateOffer(ctx context.Context) (sdp string, err error)
	// SetRemoteOffer installs the remote peer's offer.
	SetRemoteOffer(sdp string) error
	// CreateAnswer produces and installs the local answer. SetRemoteOffer
	// must have been called first.
	CreateAnswer(ctx context.Context) (sdp string, err error)
	// SetRemoteAnswer installs the remote peer's answer on the offering side.
	SetRemoteAnswer(sdp string) error
	// AddRemoteCandidate applies a relayed network candidate.
	AddRemoteCandidate(c signal.Candidate) error
	// OnLocalCandidate registers the sink for locally discovered candidates.
	OnLocalCandidate(fn func(signal.Candidate))
	// OnConnectionState registers the connectivity observer.
	OnConnectionState(fn func(connected bool))
	Close() error
}

// TransportFactory creates a fresh transport for one negotiation session.
type TransportFactory func() (SessionTransport, error)

// maxPendingCandidates bounds the per-sender queue of candidates held
// before a remote description exists. Real sessions produce a handful.
const maxPendingCandidates = 32

// session is the engine's per-remote-peer negotiation context. At most one
// session is active at a time (rooms cap at two members).
type session struct {
	remote        string
	transport     SessionTransport
	remoteDescSet bool
}

// Engine reacts to signaling events for one local peer. Events are
// expected to arrive from a single goroutine (the channel read loop); the
// internal lock additionally makes out-of-band teardown safe.
type Engine struct {
	mu        sync.Mutex
	self      string
	initiator bool
	signaler  Signaler
	factory   TransportFactory
	logger    *zap.Logger

	state        State
	sess         *session
	expectedPeer string
	// pending holds candidates that arrived before the remote description
	// that makes them meaningful, in arrival order, keyed by sender.
	pending map[string][]signal.Candidate

	onState func(State)
}

// New creates an engine for the local peer. The initiator flag comes from
// the registry's join response: only the room's first joiner ever
// originates an offer, which removes the glare race by construction.
func New(self string, initiator bool, signaler Signaler, factory TransportFactory, logger *zap.Logger) *Engine {
	return &Engine{
		self:      self,
		initiator: initiator,
		signaler:  signaler,
		factory:   factory,
		logger:    logger.With(zap.String("peer", self)),
		state:     StateIdle,
		pending:   make(map[string][]signal.Candidate),
	}
}

// OnStateChange registers an observer for state transitions. The observer
// is invoked synchronously and must not call back into the engine.
func (e *Engine) OnStateChange(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = fn
}

// State returns the current negotiation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Remote returns the current session's remote peer id, or "".
func (e *Engine) Remote() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.remote
}

// Start marks the engine ready to negotiate once a peer appears.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle {
		e.setStateLocked(StateAwaitingJoin)
	}
}

// HandleMessage dispatches one signaling event. Liveness messages are
// ignored here; they exist only to keep the push channel open.
func (e *Engine) HandleMessage(ctx context.Context, msg signal.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch msg.Type {
	case signal.TypeReady, signal.TypePing:
		// Transport liveness only.
	case signal.TypePeerJoined:
		e.handlePeerJoinedLocked(ctx, msg.From)
	case signal.TypePeerLeft:
		e.handlePeerLeftLocked(msg.From)
	case signal.TypeOffer:
		e.handleOfferLocked(ctx, msg)
	case signal.TypeAnswer:
		e.handleAnswerLocked(msg)
	case signal.TypeCandidate:
		e.handleCandidateLocked(msg)
	default:
		e.logger.Debug("ignoring unknown message type", zap.String("type", string(msg.Type)))
	}
}

// ChannelLost reverts the engine when the signaling channel drops. The
// session cannot make progress without signaling, so it is torn down; a
// re-join restarts negotiation from peer-joined.
func (e *Engine) ChannelLost() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Warn("signaling channel lost", zap.String("state", e.state.String()))
	e.teardownSessionLocked()
	if e.state == StateIdle {
		return
	}
	e.setStateLocked(StateAwaitingJoin)
}

// Close releases the active session's transport.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownSessionLocked()
	e.setStateLocked(StateIdle)
}

func (e *Engine) handlePeerJoinedLocked(ctx context.Context, peer string) {
	if peer == e.self {
		return
	}
	if e.sess != nil {
		if e.sess.remote != peer {
			// Two-party cap is enforced upstream; a third identity is
			// ignored rather than corrupting the active session.
			e.logger.Warn("ignoring extra peer while session active",
				zap.String("active", e.sess.remote), zap.String("extra", peer))
		}
		return
	}

	if !e.initiator {
		e.expectedPeer = peer
		e.logger.Info("peer joined, awaiting offer", zap.String("remote", peer))
		return
	}

	sess, err := e.createSessionLocked(peer)
	if err != nil {
		e.logger.Error("create session", zap.Error(err))
		e.setStateLocked(StateFailed)
		return
	}
	e.setStateLocked(StateOffering)

	sdp, err := sess.transport.CreateOffer(ctx)
	if err != nil {
		e.logger.Error("create offer", zap.Error(err))
		e.teardownSessionLocked()
		e.setStateLocked(StateFailed)
		return
	}
	if err := e.signaler.Send(ctx, signal.NewOffer(e.self, peer, sdp)); err != nil {
		e.logger.Warn("send offer", zap.Error(err))
	}
	e.logger.Info("offer sent", zap.String("remote", peer))
}

func (e *Engine) handleOfferLocked(ctx context.Context, msg signal.Message) {
	if e.initiator {
		e.logger.Warn("initiator received an offer, ignoring", zap.String("from", msg.From))
		return
	}
	if e.sess != nil && e.sess.remote != msg.From {
		e.logger.Warn("offer from unexpected peer, ignoring", zap.String("from", msg.From))
		return
	}

	desc, err := signal.DecodeDescription(msg)
	if err != nil {
		e.logger.Warn("malformed offer payload", zap.Error(err))
		return
	}

	sess := e.sess
	if sess == nil {
		sess, err = e.createSessionLocked(msg.From)
		if err != nil {
			e.logger.Error("create session", zap.Error(err))
			e.setStateLocked(StateFailed)
			return
		}
	}
	e.setStateLocked(StateAnswering)

	if err := sess.transport.SetRemoteOffer(desc.SDP); err != nil {
		// Expected under reconnect races; recover by discarding.
		e.logger.Warn("set remote offer", zap.Error(err))
		return
	}
	e.remoteDescSetLocked(sess)

	sdp, err := sess.transport.CreateAnswer(ctx)
	if err != nil {
		e.logger.Error("create answer", zap.Error(err))
		e.teardownSessionLocked()
		e.setStateLocked(StateFailed)
		return
	}
	if err := e.signaler.Send(ctx, signal.NewAnswer(e.self, msg.From, sdp)); err != nil {
		e.logger.Warn("send answer", zap.Error(err))
	}
	e.setStateLocked(StateNegotiating)
	e.logger.Info("answer sent", zap.String("remote", msg.From))
}

func (e *Engine) handleAnswerLocked(msg signal.Message) {
	if !e.initiator || e.sess == nil || e.sess.remote != msg.From || e.sess.remoteDescSet {
		// Out-of-order description: valid only on the offering side while
		// an answer is outstanding. Discard, never surface.
		e.logger.Warn("unexpected answer, ignoring", zap.String("from", msg.From))
		return
	}

	desc, err := signal.DecodeDescription(msg)
	if err != nil {
		e.logger.Warn("malformed answer payload", zap.Error(err))
		return
	}
	if err := e.sess.transport.SetRemoteAnswer(desc.SDP); err != nil {
		e.logger.Warn("set remote answer", zap.Error(err))
		return
	}
	e.remoteDescSetLocked(e.sess)
	e.setStateLocked(StateNegotiating)
}

func (e *Engine) handleCandidateLocked(msg signal.Message) {
	c, err := signal.DecodeCandidate(msg)
	if err != nil {
		e.logger.Warn("malformed candidate payload", zap.Error(err))
		return
	}

	if e.sess != nil && e.sess.remote == msg.From && e.sess.remoteDescSet {
		if err := e.sess.transport.AddRemoteCandidate(c); err != nil {
			// Stale or malformed candidates are expected under races.
			e.logger.Warn("add candidate", zap.Error(err))
		}
		return
	}

	// Only one remote is ever legitimate: a candidate from anyone else
	// would sit in the queue until a peer-left that may never come.
	known := e.expectedPeer
	if e.sess != nil {
		known = e.sess.remote
	}
	if known != "" && known != msg.From {
		e.logger.Warn("candidate from unexpected peer, dropping", zap.String("from", msg.From))
		return
	}
	if len(e.pending[msg.From]) >= maxPendingCandidates {
		e.logger.Warn("pending candidate queue full, dropping", zap.String("from", msg.From))
		return
	}

	// No remote description yet: queue in arrival order and drain on the
	// transition where the description first gets set.
	e.pending[msg.From] = append(e.pending[msg.From], c)
	e.logger.Debug("candidate queued",
		zap.String("from", msg.From),
		zap.Int("queued", len(e.pending[msg.From])),
	)
}

func (e *Engine) handlePeerLeftLocked(peer string) {
	delete(e.pending, peer)
	if e.expectedPeer == peer {
		e.expectedPeer = ""
	}
	if e.sess == nil || e.sess.remote != peer {
		return
	}

	e.logger.Info("remote peer left, tearing down session", zap.String("remote", peer))
	e.teardownSessionLocked()
	e.setStateLocked(StateAwaitingJoin)
}

// remoteDescSetLocked runs the queue-then-drain tie-break: every candidate
// that arrived before the description is applied in arrival order before
// any further live candidate can be processed.
func (e *Engine) remoteDescSetLocked(sess *session) {
	sess.remoteDescSet = true
	queued := e.pending[sess.remote]
	delete(e.pending, sess.remote)
	for _, c := range queued {
		if err := sess.transport.AddRemoteCandidate(c); err != nil {
			e.logger.Warn("apply queued candidate", zap.Error(err))
		}
	}
	if len(queued) > 0 {
		e.logger.Info("drained queued candidates",
			zap.String("remote", sess.remote), zap.Int("count", len(queued)))
	}
}

func (e *Engine) createSessionLocked(remote string) (*session, error) {
	transport, err := e.factory()
	if err != nil {
		return nil, err
	}

	sess := &session{remote: remote, transport: transport}
	e.sess = sess
	e.expectedPeer = ""

	transport.OnLocalCandidate(func(c signal.Candidate) {
		e.localCandidate(sess, c)
	})
	transport.OnConnectionState(func(connected bool) {
		e.connectionState(sess, connected)
	})
	return sess, nil
}

// localCandidate forwards a discovered candidate to the session's remote
// peer. Candidates discovered while no session is active have no one to
// address them to and are discarded; the next peer-joined triggers a fresh
// negotiation with fresh candidates.
func (e *Engine) localCandidate(sess *session, c signal.Candidate) {
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	remote := sess.remote
	e.mu.Unlock()

	if err := e.signaler.Send(context.Background(), signal.NewCandidate(e.self, remote, c)); err != nil {
		e.logger.Warn("send candidate", zap.Error(err))
	}
}

func (e *Engine) connectionState(sess *session, connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != sess {
		return
	}
	if connected {
		e.setStateLocked(StateConnected)
		return
	}
	e.logger.Warn("transport failed", zap.String("remote", sess.remote))
	e.teardownSessionLocked()
	e.setStateLocked(StateFailed)
}

func (e *Engine) teardownSessionLocked() {
	if e.sess == nil {
		return
	}
	delete(e.pending, e.sess.remote)
	if err := e.sess.transport.Close(); err != nil {
		e.logger.Warn("close transport", zap.Error(err))
	}
	e.sess = nil
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.logger.Info("state",
		zap.String("from", e.state.String()),
		zap.String("to", s.String()),
	)
	e.state = s
	if e.onState != nil {
		e.onState(s)
	}
}

package registry

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/signal"
)

type fakeChannel struct {
	sent   []signal.Message
	closed bool
}

func (f *fakeChannel) Send(m signal.Message) { f.sent = append(f.sent, m) }
func (f *fakeChannel) Close()                { f.closed = true }

func newTestRegistry() *Registry {
	return New(zap.NewNop())
}

func TestJoinOrderElectsInitiator(t *testing.T) {
	reg := newTestRegistry()

	resA, err := reg.Join("demo", "A")
	if err != nil {
		t.Fatalf("join A: %v", err)
	}
	if !resA.Initiator {
		t.Error("first joiner must be initiator")
	}
	if len(resA.Others) != 0 {
		t.Errorf("expected no others for first joiner, got %v", resA.Others)
	}

	resB, err := reg.Join("demo", "B")
	if err != nil {
		t.Fatalf("join B: %v", err)
	}
	if resB.Initiator {
		t.Error("second joiner must not be initiator")
	}
	if len(resB.Others) != 1 || resB.Others[0] != "A" {
		t.Errorf("expected others [A], got %v", resB.Others)
	}
}

func TestThirdJoinerRejected(t *testing.T) {
	reg := newTestRegistry()
	reg.Join("demo", "A")
	reg.Join("demo", "B")

	_, err := reg.Join("demo", "C")
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}

	members := reg.Members("demo")
	if len(members) != 2 || members[0] != "A" || members[1] != "B" {
		t.Errorf("rejected join must not change membership, got %v", members)
	}
}

func TestRejoinIsIdempotent(t *testing.T) {
	reg := newTestRegistry()
	reg.Join("demo", "A")
	reg.Join("demo", "B")

	res, err := reg.Join("demo", "A")
	if err != nil {
		t.Fatalf("re-join A: %v", err)
	}
	if !res.Initiator {
		t.Error("re-joining must keep join-order position")
	}
	if members := reg.Members("demo"); len(members) != 2 {
		t.Errorf("re-join must not duplicate membership, got %v", members)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	reg := newTestRegistry()
	reg.Join("demo", "A")

	reg.Leave("demo", "A")
	if reg.Rooms() != 0 {
		t.Error("room must be deleted when last member leaves")
	}

	// Second leave, and leaves against unknown rooms/peers, are no-ops.
	reg.Leave("demo", "A")
	reg.Leave("nope", "B")
	if reg.Rooms() != 0 {
		t.Error("idempotent leave must not recreate rooms")
	}
}

func TestLeavePromotesRemainingPeer(t *testing.T) {
	reg := newTestRegistry()
	reg.Join("demo", "A")
	reg.Join("demo", "B")
	reg.Leave("demo", "A")

	res, err := reg.Join("demo", "B")
	if err != nil {
		t.Fatalf("re-join B: %v", err)
	}
	if !res.Initiator {
		t.Error("remaining peer becomes first in order and thus initiator")
	}
}

func TestBroadcastExceptSender(t *testing.T) {
	reg := newTestRegistry()
	chA := &fakeChannel{}
	chB := &fakeChannel{}
	reg.Join("demo", "A")
	reg.Join("demo", "B")
	reg.Attach("demo", "A", chA)
	reg.Attach("demo", "B", chB)

	msg := signal.PeerJoined("A")
	reg.BroadcastExcept("demo", msg, "A")

	if len(chA.sent) != 0 {
		t.Error("broadcast must never deliver back to the sender")
	}
	if len(chB.sent) != 1 || chB.sent[0].Type != signal.TypePeerJoined {
		t.Errorf("expected exactly one delivery to B, got %v", chB.sent)
	}
}

func TestBroadcastSkipsNonMembers(t *testing.T) {
	reg := newTestRegistry()
	chC := &fakeChannel{}
	reg.Join("demo", "A")
	reg.Join("demo", "B")
	// C opened a channel but was never admitted.
	reg.Attach("demo", "C", chC)

	reg.BroadcastExcept("demo", signal.PeerJoined("A"), "A")
	if len(chC.sent) != 0 {
		t.Error("broadcast must only reach current members")
	}
}

func TestSendToAbsentTargetIsNoop(t *testing.T) {
	reg := newTestRegistry()
	reg.Join("demo", "A")

	// Nothing to assert beyond "does not panic": the target raced away.
	reg.SendTo("demo", "gone", signal.PeerLeft("A"))
	reg.SendTo("absent-room", "B", signal.PeerLeft("A"))
}

func TestDetachIgnoresStaleChannel(t *testing.T) {
	reg := newTestRegistry()
	old := &fakeChannel{}
	repl := &fakeChannel{}
	reg.Join("demo", "A")
	reg.Attach("demo", "A", old)
	reg.Attach("demo", "A", repl)

	if reg.Detach("demo", "A", old) {
		t.Error("detaching a replaced channel must be a no-op")
	}
	if !reg.Detach("demo", "A", repl) {
		t.Error("detaching the installed channel must succeed")
	}
}

func TestRoomsAreIndependent(t *testing.T) {
	reg := newTestRegistry()
	reg.Join("one", "A")
	reg.Join("one", "B")
	reg.Join("two", "A")

	if _, err := reg.Join("two", "C"); err != nil {
		t.Errorf("capacity is per room: %v", err)
	}
	if _, err := reg.Join("one", "C"); !errors.Is(err, ErrRoomFull) {
		t.Error("room one is full")
	}
}

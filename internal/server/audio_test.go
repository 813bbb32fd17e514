package server_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/yatochka-dev/babel-synth/internal/client"
)

func recvFrame(t *testing.T, ac *client.AudioConn) []byte {
	t.Helper()
	select {
	case frame, ok := <-ac.Frames():
		if !ok {
			t.Fatal("audio connection closed while waiting for frame")
		}
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for audio frame")
	}
	return nil
}

func TestAudioFanout(t *testing.T) {
	_, _, c := newTestServer(t)
	ctx := context.Background()

	alice, err := c.DialAudio(ctx, "demo", "alice")
	if err != nil {
		t.Fatalf("alice dial: %v", err)
	}
	defer alice.Close()

	bob, err := c.DialAudio(ctx, "demo", "bob")
	if err != nil {
		t.Fatalf("bob dial: %v", err)
	}
	defer bob.Close()

	// Registration completes just after the handshake; give it a beat.
	time.Sleep(50 * time.Millisecond)

	frame := []byte{0x01, 0x02, 0x03, 0x04}
	alice.SendFrame(frame)

	got := recvFrame(t, bob)
	if !bytes.Equal(got, frame) {
		t.Fatalf("frame mangled: %v", got)
	}

	// The sender must not hear itself.
	select {
	case f := <-alice.Frames():
		t.Fatalf("sender received its own frame: %v", f)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAudioRoomIsolation(t *testing.T) {
	_, _, c := newTestServer(t)
	ctx := context.Background()

	alice, err := c.DialAudio(ctx, "demo", "alice")
	if err != nil {
		t.Fatalf("alice dial: %v", err)
	}
	defer alice.Close()

	stranger, err := c.DialAudio(ctx, "other", "carol")
	if err != nil {
		t.Fatalf("carol dial: %v", err)
	}
	defer stranger.Close()

	time.Sleep(50 * time.Millisecond)
	stranger.SendFrame([]byte{0xff})

	select {
	case f := <-alice.Frames():
		t.Fatalf("frame crossed rooms: %v", f)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAudioBidirectional(t *testing.T) {
	_, _, c := newTestServer(t)
	ctx := context.Background()

	alice, err := c.DialAudio(ctx, "demo", "alice")
	if err != nil {
		t.Fatalf("alice dial: %v", err)
	}
	defer alice.Close()

	bob, err := c.DialAudio(ctx, "demo", "bob")
	if err != nil {
		t.Fatalf("bob dial: %v", err)
	}
	defer bob.Close()

	time.Sleep(50 * time.Millisecond)
	alice.SendFrame([]byte{0x0a})
	bob.SendFrame([]byte{0x0b})

	if got := recvFrame(t, bob); got[0] != 0x0a {
		t.Fatalf("bob got wrong frame: %v", got)
	}
	if got := recvFrame(t, alice); got[0] != 0x0b {
		t.Fatalf("alice got wrong frame: %v", got)
	}
}

func TestReceiverChurnDoesNotKillSender(t *testing.T) {
	_, _, c := newTestServer(t)
	ctx := context.Background()

	alice, err := c.DialAudio(ctx, "demo", "alice")
	if err != nil {
		t.Fatalf("alice dial: %v", err)
	}
	defer alice.Close()

	// Bob connects and drops repeatedly while alice keeps streaming;
	// frames racing a disconnect must be absorbed, not crash the hub.
	for i := 0; i < 5; i++ {
		bob, err := c.DialAudio(ctx, "demo", "bob")
		if err != nil {
			t.Fatalf("bob dial %d: %v", i, err)
		}
		time.Sleep(20 * time.Millisecond)
		for j := 0; j < 20; j++ {
			alice.SendFrame([]byte{byte(i), byte(j)})
		}
		bob.Close()
		for j := 0; j < 20; j++ {
			alice.SendFrame([]byte{byte(i), byte(j)})
		}
	}

	// Alice's connection survived: a fresh receiver still hears her.
	bob, err := c.DialAudio(ctx, "demo", "bob")
	if err != nil {
		t.Fatalf("final bob dial: %v", err)
	}
	defer bob.Close()
	time.Sleep(50 * time.Millisecond)

	alice.SendFrame([]byte{0xaa, 0xbb})
	got := recvFrame(t, bob)
	if got[0] != 0xaa {
		t.Fatalf("sender connection did not survive receiver churn: %v", got)
	}

	// And she can still receive.
	bob.SendFrame([]byte{0xcc})
	if got := recvFrame(t, alice); got[0] != 0xcc {
		t.Fatalf("sender stopped receiving after churn: %v", got)
	}
}

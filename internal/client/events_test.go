package client

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/signal"
)

func collectEvents(t *testing.T, stream string) []signal.Message {
	t.Helper()
	out := make(chan signal.Message, 16)
	parseEvents(context.Background(), strings.NewReader(stream), out, zap.NewNop())
	close(out)
	var msgs []signal.Message
	for msg := range out {
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestParseEventsReadyAnnouncement(t *testing.T) {
	stream := "data: {\"type\":\"ready\",\"from\":\"server\"}\n\n"

	msgs := collectEvents(t, stream)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Type != signal.TypeReady || msgs[0].From != signal.ServerPeer {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
}

func TestParseEventsSkipsPing(t *testing.T) {
	stream := "data: {\"type\":\"ready\",\"from\":\"server\"}\n\n" +
		"event: ping\ndata: {}\n\n" +
		"data: {\"type\":\"peer-joined\",\"from\":\"bob\"}\n\n"

	msgs := collectEvents(t, stream)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Type != signal.TypeReady {
		t.Fatalf("first message should be ready, got %s", msgs[0].Type)
	}
	if msgs[1].Type != signal.TypePeerJoined {
		t.Fatalf("second message should be peer-joined, got %s", msgs[1].Type)
	}
}

func TestParseEventsSkipsComments(t *testing.T) {
	stream := ": heartbeat\n\n" +
		"data: {\"type\":\"peer-left\",\"from\":\"bob\"}\n\n"

	msgs := collectEvents(t, stream)
	if len(msgs) != 1 || msgs[0].Type != signal.TypePeerLeft {
		t.Fatalf("expected single peer-left, got %+v", msgs)
	}
}

func TestParseEventsIgnoresUnknownTypes(t *testing.T) {
	stream := "data: {\"type\":\"renegotiate\",\"from\":\"bob\"}\n\n" +
		"data: {\"type\":\"offer\",\"from\":\"bob\",\"payload\":{\"type\":\"offer\",\"sdp\":\"v=0\"}}\n\n"

	msgs := collectEvents(t, stream)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Type != signal.TypeOffer {
		t.Fatalf("expected offer, got %s", msgs[0].Type)
	}
	desc, err := signal.DecodeDescription(msgs[0])
	if err != nil {
		t.Fatalf("decode description: %v", err)
	}
	if desc.SDP != "v=0" {
		t.Fatalf("sdp payload mangled: %q", desc.SDP)
	}
}

func TestParseEventsMalformedDataSkipped(t *testing.T) {
	stream := "data: {not json\n\n" +
		"data: {\"type\":\"ready\",\"from\":\"server\"}\n\n"

	msgs := collectEvents(t, stream)
	if len(msgs) != 1 || msgs[0].Type != signal.TypeReady {
		t.Fatalf("expected malformed event dropped, got %+v", msgs)
	}
}

func TestParseEventsStreamEndWithoutTrailingBlank(t *testing.T) {
	stream := "data: {\"type\":\"ready\",\"from\":\"server\"}\n"

	msgs := collectEvents(t, stream)
	if len(msgs) != 1 || msgs[0].Type != signal.TypeReady {
		t.Fatalf("expected trailing event flushed at EOF, got %+v", msgs)
	}
}

func TestParseEventsLargePayload(t *testing.T) {
	sdp := strings.Repeat("a=candidate foo bar baz ", 2000)
	stream := "data: {\"type\":\"offer\",\"from\":\"alice\",\"payload\":{\"type\":\"offer\",\"sdp\":\"" + sdp + "\"}}\n\n"

	msgs := collectEvents(t, stream)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	desc, err := signal.DecodeDescription(msgs[0])
	if err != nil {
		t.Fatalf("decode description: %v", err)
	}
	if desc.SDP != sdp {
		t.Fatal("large sdp payload truncated")
	}
}

package engine

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/signal"
)

// NewWebRTCAPI builds a webrtc.API with the Opus codec registered and a
// NACK responder interceptor, shared by every transport the process
// creates.
func NewWebRTCAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	ir := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	ir.Add(responder)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}

// PionTransport implements SessionTransport on a pion PeerConnection with
// trickle ICE: descriptions return immediately and candidates flow through
// OnLocalCandidate as they are discovered.
type PionTransport struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
}

// NewPionTransport creates a peer connection against the given STUN
// servers. A data channel is opened up front so the offer always carries a
// usable media section.
func NewPionTransport(api *webrtc.API, stunServers []string, logger *zap.Logger) (*PionTransport, error) {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		urls := make([]string, len(stunServers))
		copy(urls, stunServers)
		cfg.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if _, err := pc.CreateDataChannel("sync", nil); err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	return &PionTransport{pc: pc, logger: logger}, nil
}

// PeerConnection exposes the underlying connection for track wiring by
// the media layer.
func (t *PionTransport) PeerConnection() *webrtc.PeerConnection { return t.pc }

func (t *PionTransport) CreateOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (t *PionTransport) SetRemoteOffer(sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

func (t *PionTransport) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (t *PionTransport) SetRemoteAnswer(sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (t *PionTransport) AddRemoteCandidate(c signal.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *PionTransport) OnLocalCandidate(fn func(signal.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering complete.
			return
		}
		init := c.ToJSON()
		fn(signal.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (t *PionTransport) OnConnectionState(fn func(connected bool)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Info("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			fn(true)
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			fn(false)
		}
	})
}

func (t *PionTransport) Close() error {
	return t.pc.Close()
}

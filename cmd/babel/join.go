package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/client"
	"github.com/yatochka-dev/babel-synth/internal/engine"
	"github.com/yatochka-dev/babel-synth/internal/jitter"
)

var joinFlags struct {
	server     string
	room       string
	peer       string
	stun       []string
	sampleRate int
	channels   int
	bufferMS   int
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and negotiate with the other peer",
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinFlags.server, "server", "http://localhost:8080", "signaling server base URL")
	joinCmd.Flags().StringVar(&joinFlags.room, "room", "", "room to join (required)")
	joinCmd.Flags().StringVar(&joinFlags.peer, "peer", "", "peer id (default: random)")
	joinCmd.Flags().StringSliceVar(&joinFlags.stun, "stun",
		[]string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"},
		"STUN server URLs")
	joinCmd.Flags().IntVar(&joinFlags.sampleRate, "sample-rate", 48000, "audio sample rate")
	joinCmd.Flags().IntVar(&joinFlags.channels, "channels", 1, "audio channel count")
	joinCmd.Flags().IntVar(&joinFlags.bufferMS, "buffer-ms", 200, "jitter buffer depth in milliseconds")
	joinCmd.MarkFlagRequired("room")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	peer := joinFlags.peer
	if peer == "" {
		peer = uuid.NewString()[:8]
	}
	logger = logger.With(zap.String("room", joinFlags.room), zap.String("peer", peer))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	c := client.New(joinFlags.server, logger)

	// The push channel must be open before joining, or the peer-joined
	// announcement for the counterpart can slip past us.
	stream, err := c.Subscribe(ctx, joinFlags.room, peer)
	if err != nil {
		return err
	}
	defer stream.Close()

	res, err := c.Join(ctx, joinFlags.room, peer)
	if err != nil {
		if errors.Is(err, client.ErrRoomFull) {
			logger.Error("room already has two peers")
		}
		return err
	}
	logger.Info("joined", zap.Bool("initiator", res.Initiator), zap.Strings("others", res.Others))

	api, err := engine.NewWebRTCAPI()
	if err != nil {
		return err
	}
	factory := func() (engine.SessionTransport, error) {
		return engine.NewPionTransport(api, joinFlags.stun, logger)
	}

	eng := engine.New(peer, res.Initiator, c.Signaler(joinFlags.room), factory, logger)
	defer eng.Close()
	eng.OnStateChange(func(s engine.State) {
		logger.Info("negotiation state", zap.String("state", s.String()))
	})
	eng.Start()

	buf := jitter.NewForDuration(time.Duration(joinFlags.bufferMS)*time.Millisecond, joinFlags.sampleRate, joinFlags.channels)

	audio, err := c.DialAudio(ctx, joinFlags.room, peer)
	if err != nil {
		logger.Warn("audio bridge unavailable", zap.Error(err))
	} else {
		defer audio.Close()
		go pumpAudio(ctx, audio, buf, logger)
		go drainPlayback(ctx, buf, joinFlags.sampleRate, joinFlags.channels, logger)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case msg, ok := <-stream.Messages():
			if !ok {
				eng.ChannelLost()
				logger.Warn("signaling channel lost, exiting")
				return nil
			}
			eng.HandleMessage(ctx, msg)
		case <-stop:
			logger.Info("interrupted")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// pumpAudio feeds inbound PCM frames into the jitter buffer.
func pumpAudio(ctx context.Context, audio *client.AudioConn, buf *jitter.Buffer, logger *zap.Logger) {
	for {
		select {
		case frame, ok := <-audio.Frames():
			if !ok {
				logger.Warn("audio bridge closed")
				return
			}
			buf.PushPCM16(frame)
		case <-ctx.Done():
			return
		}
	}
}

// drainPlayback pulls audio at real-time cadence, standing in for a
// playback device. Buffer health is logged periodically.
func drainPlayback(ctx context.Context, buf *jitter.Buffer, sampleRate, channels int, logger *zap.Logger) {
	const frameDur = 20 * time.Millisecond
	samples := sampleRate / 50 * channels
	dst := make([]float32, samples)

	tick := time.NewTicker(frameDur)
	defer tick.Stop()
	report := time.NewTicker(10 * time.Second)
	defer report.Stop()

	for {
		select {
		case <-tick.C:
			buf.Pull(dst)
		case <-report.C:
			logger.Info("jitter buffer",
				zap.Int("buffered", buf.Len()),
				zap.Uint64("underruns", buf.Underruns()),
				zap.Uint64("overruns", buf.Overruns()))
		case <-ctx.Done():
			return
		}
	}
}

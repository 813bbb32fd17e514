package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "babel_signal_active_rooms",
		Help: "Number of rooms currently held in the registry",
	})
	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "babel_signal_active_peers",
		Help: "Number of peers currently joined across all rooms",
	})
	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "babel_signal_active_channels",
		Help: "Number of open server-to-client event channels",
	})
	ActiveAudioConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "babel_audio_active_conns",
		Help: "Number of open audio fan-out websocket connections",
	})
)

// Counters
var (
	JoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babel_signal_joins_total",
		Help: "Total join attempts by outcome",
	}, []string{"outcome"})
	RelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babel_signal_relayed_total",
		Help: "Total relayed signaling messages by type",
	}, []string{"type"})
	DroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babel_signal_dropped_total",
		Help: "Signaling messages dropped because a peer channel was full",
	})
	ChannelsReplacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babel_signal_channels_replaced_total",
		Help: "Event channels torn down because the peer reconnected",
	})
	AudioFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babel_audio_frames_total",
		Help: "Audio frames accepted by the fan-out bridge",
	})
	AudioDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babel_audio_frames_dropped_total",
		Help: "Audio frames dropped because a receiver queue was full",
	})
)

package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the signaling server's runtime settings.
type Config struct {
	ListenAddr string
	// PingInterval paces the liveness pulse on event channels. It exists
	// only to defeat idle-connection reclamation by proxies.
	PingInterval time.Duration
	// ChannelBuffer is the per-peer outbound message queue depth.
	ChannelBuffer int
	// AudioQueueFrames bounds each audio receiver's frame queue; the
	// oldest frame is dropped on overflow.
	AudioQueueFrames int
}

func Load() *Config {
	return &Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		PingInterval:     time.Duration(getEnvInt("PING_INTERVAL_SEC", 15)) * time.Second,
		ChannelBuffer:    getEnvInt("CHANNEL_BUFFER", 32),
		AudioQueueFrames: getEnvInt("AUDIO_QUEUE_FRAMES", 16),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

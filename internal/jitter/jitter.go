// Package jitter decouples bursty network delivery of PCM audio from a
// fixed-rate playback clock. A fixed-capacity ring of float32 samples
// trades bounded buffered latency for dropout-free playback: overrun
// evicts the oldest audio, underrun plays silence.
package jitter

import (
	"encoding/binary"
	"sync"
	"time"
)

// pcm16Scale normalizes signed 16-bit samples into [-1, 1).
const pcm16Scale = 1.0 / 32768.0

// Buffer is a fixed-capacity circular sample buffer. One producer pushes
// encoded frames as they arrive, one consumer pulls at playback rate;
// both may run concurrently. Capacity never changes after construction.
type Buffer struct {
	mu       sync.Mutex
	buf      []float32
	readPos  int
	writePos int
	count    int
	channels int

	underruns uint64 // output units filled with silence
	overruns  uint64 // samples evicted before being played

	// A chunk boundary can split a 16-bit sample; the dangling byte is
	// held here until the next push completes it.
	partial    byte
	hasPartial bool
}

// New creates a buffer holding capacity samples of interleaved audio with
// the given channel count. Capacity is rounded down to a whole number of
// frames.
func New(capacity, channels int) *Buffer {
	if channels < 1 {
		channels = 1
	}
	capacity -= capacity % channels
	if capacity < channels {
		capacity = channels
	}
	return &Buffer{
		buf:      make([]float32, capacity),
		channels: channels,
	}
}

// NewForDuration sizes the buffer for the given maximum buffered latency,
// e.g. 200ms at 48kHz stereo.
func NewForDuration(d time.Duration, sampleRate, channels int) *Buffer {
	samples := int(d.Seconds() * float64(sampleRate) * float64(channels))
	return New(samples, channels)
}

// PushPCM16 converts packed little-endian signed 16-bit samples to floats
// and appends them. When the buffer is full the oldest sample is evicted
// first, so worst-case latency stays bounded at the cost of dropping the
// oldest audio under sustained overrun. Chunks may split a sample at any
// byte boundary; the dangling byte carries over to the next push.
func (b *Buffer) PushPCM16(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasPartial && len(data) > 0 {
		s := int16(uint16(b.partial) | uint16(data[0])<<8)
		b.writeLocked(float32(s) * pcm16Scale)
		b.hasPartial = false
		data = data[1:]
	}

	for i := 0; i+1 < len(data); i += 2 {
		s := int16(binary.LittleEndian.Uint16(data[i:]))
		b.writeLocked(float32(s) * pcm16Scale)
	}
	if len(data)%2 != 0 {
		b.partial = data[len(data)-1]
		b.hasPartial = true
	}
}

// Push appends pre-converted samples with the same eviction policy.
func (b *Buffer) Push(samples []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range samples {
		b.writeLocked(s)
	}
}

func (b *Buffer) writeLocked(s float32) {
	if b.count == len(b.buf) {
		b.readPos = (b.readPos + 1) % len(b.buf)
		b.count--
		b.overruns++
	}
	b.buf[b.writePos] = s
	b.writePos = (b.writePos + 1) % len(b.buf)
	b.count++
}

// Pull fills dst with interleaved samples at playback rate. Each output
// frame is dequeued whole: if fewer than one frame's worth of samples
// remain, the slot is filled with silence instead. Pull never blocks and
// never fails.
func (b *Buffer) Pull(dst []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i+b.channels <= len(dst); i += b.channels {
		if b.count >= b.channels {
			for c := 0; c < b.channels; c++ {
				dst[i+c] = b.buf[b.readPos]
				b.readPos = (b.readPos + 1) % len(b.buf)
			}
			b.count -= b.channels
		} else {
			for c := 0; c < b.channels; c++ {
				dst[i+c] = 0
			}
			b.underruns++
		}
	}
	// A tail shorter than one frame is always silence.
	for i := len(dst) - len(dst)%b.channels; i < len(dst); i++ {
		dst[i] = 0
	}
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the fixed capacity in samples.
func (b *Buffer) Cap() int { return len(b.buf) }

// Channels returns the interleaved channel count.
func (b *Buffer) Channels() int { return b.channels }

// Underruns returns how many output units were filled with silence.
// Underrun is not an error; the count exists for diagnostics.
func (b *Buffer) Underruns() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.underruns
}

// Overruns returns how many samples were evicted unplayed.
func (b *Buffer) Overruns() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overruns
}

// Package device connects the local microphone and speaker to a session.
//
// [Capture] records 16-bit PCM from the default input device through
// miniaudio (malgo) and hands it out as chunks; it satisfies the capture
// contract of a turn session. [Speaker] plays synthesized replies on the
// default output device through oto.
//
// Both types need cgo and a working audio backend at runtime.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

// Defaults for [NewCapture].
const (
	DefaultPeriodMillis = 20
	DefaultChunkBuffer  = 64
)

// ErrCaptureStopped is returned by [Capture.Start] after [Capture.Stop].
var ErrCaptureStopped = errors.New("device: capture stopped")

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithCaptureLogger sets the logger. Default: slog.Default().
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *Capture) { c.log = l }
}

// WithPeriod sets the device period in milliseconds, which is also the
// length of each delivered chunk.
func WithPeriod(ms uint32) CaptureOption {
	return func(c *Capture) {
		if ms > 0 {
			c.periodMillis = ms
		}
	}
}

// WithChunkBuffer sets how many chunks may wait for the consumer before new
// ones are dropped.
func WithChunkBuffer(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// Capture records from the default input device. Chunks are delivered on
// [Capture.Chunks]; the channel is closed by [Capture.Stop].
type Capture struct {
	format       audio.Format
	periodMillis uint32
	buffer       int
	log          *slog.Logger

	chunks  chan []byte
	active  atomic.Bool
	dropped atomic.Int64

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	dev     *malgo.Device
	stopped bool
}

// NewCapture prepares a capture in format. No device is opened until Start.
func NewCapture(format audio.Format, opts ...CaptureOption) *Capture {
	c := &Capture{
		format:       format,
		periodMillis: DefaultPeriodMillis,
		buffer:       DefaultChunkBuffer,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.chunks = make(chan []byte, c.buffer)
	return c
}

// Format returns the PCM format of delivered chunks.
func (c *Capture) Format() audio.Format { return c.format }

// Chunks returns the stream of captured PCM.
func (c *Capture) Chunks() <-chan []byte { return c.chunks }

// Dropped returns how many chunks were discarded because the consumer fell
// behind.
func (c *Capture) Dropped() int64 { return c.dropped.Load() }

// Active reports whether the device is recording. It turns false when the
// backend stops the device, e.g. after the microphone was unplugged.
func (c *Capture) Active() bool { return c.active.Load() }

// Start opens the default input device and begins recording.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrCaptureStopped
	}
	if c.dev != nil {
		return nil
	}
	if !c.format.Valid() {
		return fmt.Errorf("device: invalid capture format %s", c.format)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return fmt.Errorf("device: init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(c.format.Channels)
	cfg.SampleRate = uint32(c.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = c.periodMillis

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { c.deliver(input) },
		Stop: func() {
			if c.active.Swap(false) {
				c.log.Warn("microphone stopped by the audio backend")
			}
		},
	})
	if err != nil {
		freeContext(mctx)
		return fmt.Errorf("device: init microphone: %w", err)
	}

	c.active.Store(true)
	if err := dev.Start(); err != nil {
		c.active.Store(false)
		dev.Uninit()
		freeContext(mctx)
		return fmt.Errorf("device: start microphone: %w", err)
	}
	c.mctx, c.dev = mctx, dev
	c.log.Info("microphone started", "format", c.format.String(), "period_ms", c.periodMillis)
	return nil
}

// Stop stops recording, releases the device, and closes the chunk channel.
// It is safe to call more than once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	c.active.Store(false)

	var err error
	if c.dev != nil {
		// Uninit waits for the data callback, so nothing sends on chunks
		// after it returns.
		if stopErr := c.dev.Stop(); stopErr != nil {
			err = fmt.Errorf("device: stop microphone: %w", stopErr)
		}
		c.dev.Uninit()
		freeContext(c.mctx)
		c.dev, c.mctx = nil, nil
	}
	close(c.chunks)
	if n := c.dropped.Load(); n > 0 {
		c.log.Warn("microphone chunks dropped", "count", n)
	}
	return err
}

// deliver copies one period of input and queues it without blocking the
// audio thread.
func (c *Capture) deliver(input []byte) {
	if len(input) == 0 || !c.active.Load() {
		return
	}
	chunk := make([]byte, len(input))
	copy(chunk, input)
	select {
	case c.chunks <- chunk:
	default:
		c.dropped.Add(1)
	}
}

func freeContext(ctx *malgo.AllocatedContext) {
	if ctx == nil {
		return
	}
	_ = ctx.Uninit()
	ctx.Free()
}

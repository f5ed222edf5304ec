package audio

import (
	"fmt"
	"sync"
)

// Clip is a single in-memory PCM16 mono buffer played through an
// OutputDevice, with a seekable cursor. One Clip owns one output device;
// Close releases it.
type Clip struct {
	rate int
	dev  OutputDevice

	mu      sync.Mutex
	pcm     []byte
	pos     int
	paused  bool
	started bool

	done     chan struct{}
	doneOnce sync.Once
}

func NewClip(ctx Context, pcm []byte, sampleRate int) (*Clip, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	c := &Clip{
		rate: sampleRate,
		pcm:  pcm,
		done: make(chan struct{}),
	}
	dev, err := ctx.NewOutput(OutputConfig{SampleRate: uint32(sampleRate), Channels: 1}, c.fill)
	if err != nil {
		return nil, fmt.Errorf("opening output device: %w", err)
	}
	c.dev = dev
	return c, nil
}

func (c *Clip) fill(out []byte, _ uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused || c.pos >= len(c.pcm) {
		clear(out)
		if c.pos >= len(c.pcm) {
			c.doneOnce.Do(func() { close(c.done) })
		}
		return
	}

	n := copy(out, c.pcm[c.pos:])
	c.pos += n
	if n < len(out) {
		clear(out[n:])
	}
}

func (c *Clip) Play() error {
	c.mu.Lock()
	c.paused = false
	c.started = true
	c.mu.Unlock()
	return c.dev.Start()
}

func (c *Clip) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Stop halts output and rewinds to the start.
func (c *Clip) Stop() {
	c.dev.Stop()
	c.mu.Lock()
	c.pos = 0
	c.paused = false
	c.started = false
	c.mu.Unlock()
}

func (c *Clip) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.paused && c.pos < len(c.pcm)
}

func (c *Clip) Seek(seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("negative position %v", seconds)
	}
	off := int(seconds*float64(c.rate)) * 2
	c.mu.Lock()
	if off > len(c.pcm) {
		off = len(c.pcm)
	}
	c.pos = off
	c.mu.Unlock()
	return nil
}

func (c *Clip) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.pos/2) / float64(c.rate)
}

func (c *Clip) Duration() float64 {
	return float64(len(c.pcm)/2) / float64(c.rate)
}

// Done closes when the cursor reaches the end of the buffer.
func (c *Clip) Done() <-chan struct{} {
	return c.done
}

func (c *Clip) Close() {
	c.dev.Stop()
	c.dev.Close()
}

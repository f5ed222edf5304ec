package audio

import (
	"fmt"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
	fakeFeedInterval  = time.Millisecond
)

// FakeContext replays scripted PCM through the Context interface so engine
// logic can be tested without a real device.
type FakeContext struct {
	pcm         []byte
	FailCapture bool // NewCapture returns an error when set
	FailOutput  bool // NewOutput returns an error when set
}

func NewFakeContext(pcm []byte) *FakeContext {
	return &FakeContext{pcm: pcm}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake-0", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	if f.FailCapture {
		return nil, fmt.Errorf("fake capture device unavailable")
	}
	return &FakeCapture{pcm: f.pcm}, nil
}

func (f *FakeContext) NewOutput(config OutputConfig, cb OutputCallback) (OutputDevice, error) {
	if f.FailOutput {
		return nil, fmt.Errorf("fake output device unavailable")
	}
	return &FakeOutput{cb: cb, rate: int(config.SampleRate)}, nil
}

// FakeCapture feeds the scripted PCM once, then silence, at a fast fixed
// cadence until stopped.
type FakeCapture struct {
	pcm []byte

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
	started  bool
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = true
	stopCh := make(chan struct{})
	feedDone := make(chan struct{})
	f.stopCh = stopCh
	f.feedDone = feedDone
	f.mu.Unlock()

	chunkBytes := fakeFrameSize * fakeBytesPerFrame

	go func() {
		defer close(feedDone)
		pos := 0
		silence := make([]byte, chunkBytes)
		for {
			select {
			case <-stopCh:
				return
			case <-time.After(fakeFeedInterval):
			}

			f.mu.Lock()
			cb := f.cb
			f.mu.Unlock()
			if cb == nil {
				continue
			}

			if pos < len(f.pcm) {
				end := min(pos+chunkBytes, len(f.pcm))
				chunk := make([]byte, end-pos)
				copy(chunk, f.pcm[pos:end])
				pos = end
				cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
			} else {
				cb(silence, fakeFrameSize)
			}
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.started = false
	f.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-feedDone
}

func (f *FakeCapture) Close() {
	f.Stop()
}

// FakeOutput drains the playback callback as fast as a real device would,
// compressed in time: one second of audio drains in ~10ms.
type FakeOutput struct {
	cb   OutputCallback
	rate int

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

func (o *FakeOutput) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopCh != nil {
		return nil
	}
	stopCh := make(chan struct{})
	done := make(chan struct{})
	o.stopCh = stopCh
	o.done = done

	frames := o.rate / 100 // 10ms of audio per pull
	if frames == 0 {
		frames = 160
	}
	buf := make([]byte, frames*2)

	// The goroutine holds its own channels; Stop nils the fields.
	go func() {
		defer close(done)
		for {
			select {
			case <-stopCh:
				return
			case <-time.After(100 * time.Microsecond):
				o.cb(buf, uint32(frames))
			}
		}
	}()
	return nil
}

func (o *FakeOutput) Stop() {
	o.mu.Lock()
	stopCh, done := o.stopCh, o.done
	o.stopCh = nil
	o.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-done
}

func (o *FakeOutput) Close() {
	o.Stop()
}

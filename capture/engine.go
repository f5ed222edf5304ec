// Package capture records microphone audio in timed chunks with live level
// monitoring and duration/voice-activity stop policies.
package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"aria/audio"
	"aria/encoder"
)

const levelInterval = 16 * time.Millisecond // ~60Hz for UI meters

type Config struct {
	SampleRate    int
	ChunkInterval time.Duration
	MaxDuration   time.Duration
	UploadFormat  string // "wav" or "flac"
	Device        *audio.DeviceInfo

	// SilenceAutoStop ends the recording after this much continuous
	// silence. Zero disables the policy.
	SilenceAutoStop time.Duration
	// EnergyThreshold is the RMS level above which a tick counts as speech.
	EnergyThreshold float64
}

// Event notifies the host UI about capture policy decisions.
type Event int

const (
	EventSilenceWarn Event = iota
	EventSilenceCleared
	EventAutoStopSilence
	EventAutoStopMaxDuration
)

// State is a point-in-time snapshot of the engine.
type State struct {
	IsRecording     bool
	IsPaused        bool
	DurationSeconds int
	AudioLevel      float64
	Err             error
}

type recording struct {
	chunks    [][]byte
	pending   []byte
	startedAt time.Time
	duration  int
	paused    bool
}

// Engine owns at most one live recording at a time. Starting a new one
// tears down the previous one first; no path leaves the device open.
type Engine struct {
	ctx audio.Context
	cfg Config
	log zerolog.Logger

	level   atomic.Uint64 // float64 bits, instantaneous RMS in [0,1]
	levelFn atomic.Pointer[func(float64)]
	eventFn atomic.Pointer[func(Event)]
	chunkFn atomic.Pointer[func([]byte)]

	mu      sync.Mutex
	dev     audio.CaptureDevice
	rec     *recording
	lastErr error
	stopCh  chan struct{}
	loopsWG sync.WaitGroup
	done    chan struct{}
	blob    []byte
}

func NewEngine(ctx audio.Context, cfg Config, log zerolog.Logger) *Engine {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = time.Second
	}
	if cfg.UploadFormat == "" {
		cfg.UploadFormat = "wav"
	}
	if cfg.EnergyThreshold == 0 {
		cfg.EnergyThreshold = 0.01
	}
	return &Engine{ctx: ctx, cfg: cfg, log: log}
}

// SetLevelFunc registers a high-frequency audio level consumer. The callback
// must not block; it runs on the level-monitor loop.
func (e *Engine) SetLevelFunc(fn func(float64)) {
	e.levelFn.Store(&fn)
}

// SetEventFunc registers a consumer for capture policy events.
func (e *Engine) SetEventFunc(fn func(Event)) {
	e.eventFn.Store(&fn)
}

// SetChunkFunc registers a consumer invoked with each emitted chunk, for
// live streaming. The callback must not retain or modify the slice.
func (e *Engine) SetChunkFunc(fn func([]byte)) {
	e.chunkFn.Store(&fn)
}

// StartRecording acquires the input device and begins chunked capture.
// A live recording is torn down first so only one device is ever open.
func (e *Engine) StartRecording() error {
	e.StopRecording()

	e.mu.Lock()
	dev, err := e.ctx.NewCapture(e.cfg.Device, audio.CaptureConfig{
		SampleRate: uint32(e.cfg.SampleRate),
		Channels:   encoder.Channels,
	})
	if err != nil {
		e.lastErr = fmt.Errorf("acquiring input device: %w", err)
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("device acquisition failed")
		return e.lastErr
	}

	dev.SetCallback(e.onData)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		e.lastErr = fmt.Errorf("starting capture: %w", err)
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("capture start failed")
		return e.lastErr
	}

	e.dev = dev
	e.rec = &recording{startedAt: time.Now()}
	e.lastErr = nil
	e.blob = nil
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	e.level.Store(math.Float64bits(0))
	stopCh := e.stopCh
	e.mu.Unlock()

	e.log.Info().Str("device", dev.DeviceName()).Msg("recording_start")

	e.loopsWG.Add(2)
	go e.chunkLoop(stopCh)
	go e.levelLoop(stopCh)
	if e.cfg.SilenceAutoStop > 0 {
		e.loopsWG.Add(1)
		go e.silenceLoop(stopCh)
	}
	if e.cfg.MaxDuration > 0 {
		go func() {
			select {
			case <-stopCh:
			case <-time.After(e.cfg.MaxDuration):
				e.log.Info().Msg("max_duration_auto_stop")
				e.emit(EventAutoStopMaxDuration)
				e.StopRecording()
			}
		}()
	}
	return nil
}

// onData runs on the device thread; it must stay cheap.
func (e *Engine) onData(data []byte, _ uint32) {
	if len(data) < 2 {
		return
	}

	var sumSquares float64
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(data[i:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	rms := math.Sqrt(sumSquares / float64(len(data)/2))
	if rms > 1 {
		rms = 1
	}
	e.level.Store(math.Float64bits(rms))

	e.mu.Lock()
	if e.rec != nil && !e.rec.paused {
		e.rec.pending = append(e.rec.pending, data...)
	}
	e.mu.Unlock()
}

// chunkLoop moves buffered samples into the chunk sequence once per
// interval and advances the duration counter.
func (e *Engine) chunkLoop(stopCh chan struct{}) {
	defer e.loopsWG.Done()
	ticker := time.NewTicker(e.cfg.ChunkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			var chunk []byte
			e.mu.Lock()
			if e.rec != nil && !e.rec.paused {
				chunk = e.flushPendingLocked()
				e.rec.duration++
			}
			e.mu.Unlock()
			if chunk != nil {
				if fn := e.chunkFn.Load(); fn != nil {
					(*fn)(chunk)
				}
			}
		}
	}
}

func (e *Engine) flushPendingLocked() []byte {
	if len(e.rec.pending) == 0 {
		return nil
	}
	chunk := make([]byte, len(e.rec.pending))
	copy(chunk, e.rec.pending)
	e.rec.pending = e.rec.pending[:0]
	e.rec.chunks = append(e.rec.chunks, chunk)
	return chunk
}

// levelLoop republishes the instantaneous level at UI cadence,
// independent of chunk emission.
func (e *Engine) levelLoop(stopCh chan struct{}) {
	defer e.loopsWG.Done()
	ticker := time.NewTicker(levelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if fn := e.levelFn.Load(); fn != nil {
				(*fn)(math.Float64frombits(e.level.Load()))
			}
		}
	}
}

func (e *Engine) silenceLoop(stopCh chan struct{}) {
	defer e.loopsWG.Done()
	mon := newSilenceMonitor(e.cfg.SilenceAutoStop)
	ticker := time.NewTicker(silenceTick)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			level := math.Float64frombits(e.level.Load())
			switch mon.Tick(level >= e.cfg.EnergyThreshold) {
			case SilenceWarn:
				e.log.Info().Msg("no_voice_warning")
				e.emit(EventSilenceWarn)
			case SilenceWarnClear:
				e.emit(EventSilenceCleared)
			case SilenceAutoStop:
				e.log.Info().Msg("silence_auto_stop")
				e.emit(EventAutoStopSilence)
				go e.StopRecording()
				return
			}
		}
	}
}

func (e *Engine) emit(ev Event) {
	if fn := e.eventFn.Load(); fn != nil {
		(*fn)(ev)
	}
}

// StopRecording releases the device and finalizes the blob. Calling it when
// not recording is a no-op; calling it twice behaves like calling it once.
func (e *Engine) StopRecording() {
	e.mu.Lock()
	if e.rec == nil {
		e.mu.Unlock()
		return
	}
	dev := e.dev
	stopCh := e.stopCh
	done := e.done
	rec := e.rec
	e.dev = nil
	e.rec = nil
	e.stopCh = nil
	e.done = nil
	e.mu.Unlock()

	close(stopCh)
	dev.Stop()
	dev.ClearCallback()
	dev.Close()
	e.loopsWG.Wait()

	// Flush the partial interval so a short recording still yields audio.
	if len(rec.pending) > 0 {
		rec.chunks = append(rec.chunks, rec.pending)
		rec.pending = nil
	}

	var blob []byte
	if len(rec.chunks) > 0 {
		total := 0
		for _, c := range rec.chunks {
			total += len(c)
		}
		pcm := make([]byte, 0, total)
		for _, c := range rec.chunks {
			pcm = append(pcm, c...)
		}
		encoded, err := encoder.Encode(e.cfg.UploadFormat, pcm, e.cfg.SampleRate)
		if err != nil {
			e.mu.Lock()
			e.lastErr = err
			e.mu.Unlock()
			e.log.Error().Err(err).Msg("blob encode failed")
		} else {
			blob = encoded
		}
	}

	e.mu.Lock()
	e.blob = blob
	e.mu.Unlock()

	e.level.Store(math.Float64bits(0))
	e.log.Info().Int("chunks", len(rec.chunks)).Msg("recording_stop")
	close(done)
}

// PauseRecording suspends chunk collection without releasing the device.
func (e *Engine) PauseRecording() {
	e.mu.Lock()
	if e.rec != nil {
		e.rec.paused = true
	}
	e.mu.Unlock()
}

func (e *Engine) ResumeRecording() {
	e.mu.Lock()
	if e.rec != nil {
		e.rec.paused = false
	}
	e.mu.Unlock()
}

// TakeBlob transfers ownership of the finished recording. It returns nil
// when no samples were collected. Subsequent calls return nil until another
// recording completes.
func (e *Engine) TakeBlob() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	blob := e.blob
	e.blob = nil
	return blob
}

// Done returns a channel closed when the current recording stops, whether
// by caller, duration ceiling, or silence policy. Returns a closed channel
// when nothing is recording.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return e.done
}

func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := State{
		AudioLevel: math.Float64frombits(e.level.Load()),
		Err:        e.lastErr,
	}
	if e.rec != nil {
		s.IsRecording = true
		s.IsPaused = e.rec.paused
		s.DurationSeconds = e.rec.duration
	}
	return s
}

package capture

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aria/audio"
)

// tone returns n frames of a loud PCM16 square wave.
func tone(n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(10000)
		if i%8 < 4 {
			s = -10000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

func testEngine(t *testing.T, pcm []byte, cfg Config) *Engine {
	t.Helper()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ChunkInterval == 0 {
		cfg.ChunkInterval = 20 * time.Millisecond
	}
	return NewEngine(audio.NewFakeContext(pcm), cfg, zerolog.Nop())
}

func TestRecordProducesWAVBlob(t *testing.T) {
	e := testEngine(t, tone(200000), Config{UploadFormat: "wav"})
	if err := e.StartRecording(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	e.StopRecording()

	blob := e.TakeBlob()
	if blob == nil {
		t.Fatal("expected a blob after recording")
	}
	if !bytes.Equal(blob[0:4], []byte("RIFF")) || !bytes.Equal(blob[8:12], []byte("WAVE")) {
		t.Fatalf("blob is not a WAV container: % x", blob[:12])
	}
	if second := e.TakeBlob(); second != nil {
		t.Fatal("TakeBlob must transfer ownership, second call returned data")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	e := testEngine(t, tone(200000), Config{})
	if err := e.StartRecording(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	done := e.Done()
	e.StopRecording()
	e.StopRecording()
	e.StopRecording()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel not closed after stop")
	}
	if s := e.Snapshot(); s.IsRecording {
		t.Fatal("still recording after stop")
	}
}

func TestStopWithoutStart(t *testing.T) {
	e := testEngine(t, nil, Config{})
	e.StopRecording() // no-op

	select {
	case <-e.Done():
	default:
		t.Fatal("Done must be closed when nothing is recording")
	}
	if blob := e.TakeBlob(); blob != nil {
		t.Fatal("expected nil blob without a recording")
	}
}

func TestMaxDurationAutoStop(t *testing.T) {
	e := testEngine(t, tone(200000), Config{MaxDuration: 60 * time.Millisecond})

	var events []Event
	gotEvent := make(chan struct{}, 4)
	e.SetEventFunc(func(ev Event) {
		events = append(events, ev)
		gotEvent <- struct{}{}
	})

	if err := e.StartRecording(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("recording did not auto-stop at max duration")
	}
	if s := e.Snapshot(); s.IsRecording {
		t.Fatal("still recording after auto-stop")
	}
	if e.TakeBlob() == nil {
		t.Fatal("auto-stopped recording should still yield a blob")
	}

	select {
	case <-gotEvent:
	case <-time.After(time.Second):
		t.Fatal("no auto-stop event emitted")
	}
	if events[0] != EventAutoStopMaxDuration {
		t.Fatalf("event = %v, want max duration auto-stop", events[0])
	}
}

func TestStartFailureReleasesCleanly(t *testing.T) {
	ctx := audio.NewFakeContext(nil)
	ctx.FailCapture = true
	e := NewEngine(ctx, Config{SampleRate: 16000}, zerolog.Nop())

	if err := e.StartRecording(); err == nil {
		t.Fatal("expected device acquisition error")
	}
	s := e.Snapshot()
	if s.IsRecording {
		t.Fatal("engine claims to record after failed start")
	}
	if s.Err == nil {
		t.Fatal("snapshot should carry the start error")
	}
}

func TestPauseResume(t *testing.T) {
	e := testEngine(t, tone(400000), Config{})
	if err := e.StartRecording(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.StopRecording()

	e.PauseRecording()
	if s := e.Snapshot(); !s.IsPaused || !s.IsRecording {
		t.Fatalf("snapshot after pause = %+v", s)
	}
	e.ResumeRecording()
	if s := e.Snapshot(); s.IsPaused {
		t.Fatal("still paused after resume")
	}
}

func TestRestartTearsDownPrevious(t *testing.T) {
	e := testEngine(t, tone(400000), Config{})
	if err := e.StartRecording(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := e.StartRecording(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if s := e.Snapshot(); !s.IsRecording {
		t.Fatal("not recording after restart")
	}
	// Let the second recording collect audio before it is stopped.
	time.Sleep(30 * time.Millisecond)
	e.StopRecording()
	if e.TakeBlob() == nil {
		t.Fatal("expected blob from the second recording")
	}
}

func TestLevelMonitorPublishes(t *testing.T) {
	e := testEngine(t, tone(400000), Config{})

	levels := make(chan float64, 256)
	e.SetLevelFunc(func(l float64) {
		select {
		case levels <- l:
		default:
		}
	})

	if err := e.StartRecording(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.StopRecording()

	deadline := time.After(time.Second)
	for {
		select {
		case l := <-levels:
			if l < 0 || l > 1 {
				t.Fatalf("level %v out of range", l)
			}
			if l > 0 {
				return
			}
		case <-deadline:
			t.Fatal("no nonzero level observed")
		}
	}
}

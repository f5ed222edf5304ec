// Package beep plays short feedback cues for recording and error events.
package beep

import (
	"math"
	"sync"

	"aria/audio"
)

var disabled bool

func Disable() { disabled = true }

const (
	sampleRate = 44100

	// Start beep: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// End beep: medium pitch, slightly longer
	endFreq   = 900
	endVolume = 0.5
	endDecay  = 40

	// Error beep: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
)

var (
	mu           sync.Mutex
	actx         audio.Context
	startSamples []byte
	endSamples   []byte
	errorSamples []byte
)

// Init binds the cue player to an audio context and pre-renders the tones.
func Init(ctx audio.Context) {
	mu.Lock()
	defer mu.Unlock()
	actx = ctx
	startSamples = generateTick(startFreq, 0.2, startVolume, startDecay)
	endSamples = generateTick(endFreq, 0.2, endVolume, endDecay)
	errorSamples = generateDoubleBeep(errorFreq, 0.08, 0.05, errorVolume, errorDecay)
}

// generateTick renders a mono PCM16 sine burst with exponential decay.
func generateTick(freq, duration, volume, decay float64) []byte {
	n := int(sampleRate * duration)
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / sampleRate
		envelope := math.Exp(-t * decay)
		s := int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	return buf
}

func generateDoubleBeep(freq, beepDur, gapDur, volume, decay float64) []byte {
	tone := generateTick(freq, beepDur, volume, decay)
	gap := make([]byte, int(sampleRate*gapDur)*2)
	out := make([]byte, 0, len(tone)*2+len(gap))
	out = append(out, tone...)
	out = append(out, gap...)
	out = append(out, tone...)
	return out
}

func play(samples []byte) {
	mu.Lock()
	ctx := actx
	mu.Unlock()
	if disabled || ctx == nil || len(samples) == 0 {
		return
	}
	go func() {
		clip, err := audio.NewClip(ctx, samples, sampleRate)
		if err != nil {
			return
		}
		defer clip.Close()
		if err := clip.Play(); err != nil {
			return
		}
		<-clip.Done()
	}()
}

func PlayStart() { play(startSamples) }
func PlayEnd()   { play(endSamples) }
func PlayError() { play(errorSamples) }

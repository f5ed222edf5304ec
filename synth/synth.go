// Package synth turns assistant replies into audible speech via the
// backend synthesis endpoint and manages local playback.
package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aria/audio"
)

var ErrNoPlayback = errors.New("no active playback")

type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	Voice     string
	Speed     float64
	// Format is the requested output encoding. Raw PCM formats such as
	// "pcm_16000" play directly without a decode step.
	Format string
}

// Playback is a point-in-time snapshot of the player.
type Playback struct {
	IsSynthesizing  bool
	IsPlaying       bool
	PositionSeconds float64
	DurationSeconds float64
	LastError       error
}

type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

// Player synthesizes one utterance at a time. A new request stops and
// replaces the previous clip.
type Player struct {
	cfg    Config
	client *http.Client
	actx   audio.Context
	log    zerolog.Logger

	mu           sync.Mutex
	clip         *audio.Clip
	synthesizing bool
	lastErr      error
}

func NewPlayer(cfg Config, actx audio.Context, log zerolog.Logger) *Player {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Format == "" {
		cfg.Format = "pcm_16000"
	}
	if cfg.Speed == 0 {
		cfg.Speed = 1.0
	}
	return &Player{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		actx:   actx,
		log:    log,
	}
}

type synthRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
	Format string  `json:"format,omitempty"`
}

type synthEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		AudioBase64 string `json:"audio_base64"`
		ContentType string `json:"content_type"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Speak synthesizes the text and immediately starts playback, replacing
// whatever was playing. Empty text is a no-op.
func (p *Player) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	p.mu.Lock()
	p.synthesizing = true
	p.lastErr = nil
	p.mu.Unlock()

	pcm, err := p.synthesize(ctx, text)

	p.mu.Lock()
	p.synthesizing = false
	if err != nil {
		p.lastErr = err
		p.mu.Unlock()
		p.log.Error().Err(err).Msg("synthesis failed")
		return err
	}
	if p.clip != nil {
		p.clip.Close()
		p.clip = nil
	}
	clip, err := audio.NewClip(p.actx, pcm, p.sampleRate())
	if err != nil {
		p.lastErr = err
		p.mu.Unlock()
		return fmt.Errorf("opening output device: %w", err)
	}
	p.clip = clip
	p.mu.Unlock()

	if err := clip.Play(); err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return err
	}
	p.log.Info().Int("pcm_bytes", len(pcm)).Msg("playback_start")
	return nil
}

func (p *Player) synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(synthRequest{
		Text:   text,
		Voice:  p.cfg.Voice,
		Speed:  p.cfg.Speed,
		Format: p.cfg.Format,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.cfg.BaseURL+"/api/voice/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading synthesis response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env synthEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
			return nil, fmt.Errorf("synthesis failed (%s): %s", env.Error.Code, env.Error.Message)
		}
		return nil, fmt.Errorf("synthesis API error %d", resp.StatusCode)
	}

	// The backend answers with raw audio bytes or a JSON envelope carrying
	// the same bytes in base64, depending on deployment.
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var env synthEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("synthesis response parse error: %w", err)
		}
		if !env.Success {
			return nil, fmt.Errorf("synthesis failed (%s): %s", env.Error.Code, env.Error.Message)
		}
		decoded, err := base64.StdEncoding.DecodeString(env.Data.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("decoding synthesis audio: %w", err)
		}
		return decoded, nil
	}
	return raw, nil
}

// sampleRate derives the playback rate from the requested PCM format,
// e.g. "pcm_16000".
func (p *Player) sampleRate() int {
	rate := 0
	if _, err := fmt.Sscanf(p.cfg.Format, "pcm_%d", &rate); err == nil && rate > 0 {
		return rate
	}
	return 16000
}

func (p *Player) Play() error {
	p.mu.Lock()
	clip := p.clip
	p.mu.Unlock()
	if clip == nil {
		return ErrNoPlayback
	}
	return clip.Play()
}

func (p *Player) Pause() error {
	p.mu.Lock()
	clip := p.clip
	p.mu.Unlock()
	if clip == nil {
		return ErrNoPlayback
	}
	clip.Pause()
	return nil
}

// Stop halts playback and rewinds to the beginning.
func (p *Player) Stop() error {
	p.mu.Lock()
	clip := p.clip
	p.mu.Unlock()
	if clip == nil {
		return ErrNoPlayback
	}
	clip.Stop()
	return nil
}

func (p *Player) SetPosition(seconds float64) error {
	p.mu.Lock()
	clip := p.clip
	p.mu.Unlock()
	if clip == nil {
		return ErrNoPlayback
	}
	return clip.Seek(seconds)
}

// Done exposes the current clip's completion channel. Returns a closed
// channel when nothing is loaded.
func (p *Player) Done() <-chan struct{} {
	p.mu.Lock()
	clip := p.clip
	p.mu.Unlock()
	if clip == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return clip.Done()
}

func (p *Player) Snapshot() Playback {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Playback{
		IsSynthesizing: p.synthesizing,
		LastError:      p.lastErr,
	}
	if p.clip != nil {
		s.IsPlaying = p.clip.Playing()
		s.PositionSeconds = p.clip.Position()
		s.DurationSeconds = p.clip.Duration()
	}
	return s
}

// Voices lists the synthesis voices the backend offers.
func (p *Player) Voices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.cfg.BaseURL+"/api/voice/voices", nil)
	if err != nil {
		return nil, err
	}
	if p.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voices request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voices API error %d", resp.StatusCode)
	}

	var env struct {
		Success bool `json:"success"`
		Data    struct {
			Voices []Voice `json:"voices"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("voices response parse error: %w", err)
	}
	return env.Data.Voices, nil
}

// Close releases the output device.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clip != nil {
		p.clip.Close()
		p.clip = nil
	}
}

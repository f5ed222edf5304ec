// Package config resolves client configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every externally supplied knob consumed by the client.
// Each field maps to one ARIA_* environment variable.
type Config struct {
	BaseURL     string        // ARIA_BASE_URL: HTTP base for voice endpoints
	WSURL       string        // ARIA_WS_URL: websocket endpoint (".../ws")
	AuthToken   string        // ARIA_AUTH_TOKEN: connection-time credential
	HTTPTimeout time.Duration // ARIA_HTTP_TIMEOUT: per-request bound for transcribe/synthesize

	ReconnectDelay    time.Duration // ARIA_RECONNECT_DELAY: initial backoff between reconnect attempts
	MaxReconnectDelay time.Duration // ARIA_MAX_RECONNECT_DELAY: backoff ceiling
	MaxReconnects     int           // ARIA_MAX_RECONNECTS: attempt budget before the transport errors out
	HeartbeatInterval time.Duration // ARIA_HEARTBEAT_INTERVAL: ping cadence while connected

	Voice       string  // ARIA_VOICE: default synthesis voice id
	VoiceSpeed  float64 // ARIA_VOICE_SPEED: synthesis speed multiplier
	SynthFormat string  // ARIA_SYNTH_FORMAT: requested synthesis audio format

	MaxRecording        time.Duration // ARIA_MAX_RECORDING: hard ceiling on one capture
	ChunkInterval       time.Duration // ARIA_CHUNK_INTERVAL: cadence of chunk emission during capture
	ConfidenceThreshold float64       // ARIA_CONFIDENCE_THRESHOLD: transcripts below this are rejected
	Language            string        // ARIA_LANGUAGE: transcription language code
	SampleRate          int           // ARIA_SAMPLE_RATE: capture sample rate (Hz, mono PCM16)
	UploadFormat        string        // ARIA_UPLOAD_FORMAT: recording blob encoding, "wav" or "flac"
}

func defaults() Config {
	return Config{
		BaseURL:             "http://localhost:8080",
		WSURL:               "ws://localhost:8080/ws",
		HTTPTimeout:         30 * time.Second,
		ReconnectDelay:      time.Second,
		MaxReconnectDelay:   30 * time.Second,
		MaxReconnects:       5,
		HeartbeatInterval:   30 * time.Second,
		Voice:               "default",
		VoiceSpeed:          1.0,
		SynthFormat:         "pcm_16000",
		MaxRecording:        60 * time.Second,
		ChunkInterval:       time.Second,
		ConfidenceThreshold: 0.7,
		Language:            "en",
		SampleRate:          16000,
		UploadFormat:        "wav",
	}
}

// Load reads .env when present, then overlays ARIA_* variables on defaults.
func Load() (Config, error) {
	godotenv.Load()

	c := defaults()
	c.BaseURL = envStr("ARIA_BASE_URL", c.BaseURL)
	c.WSURL = envStr("ARIA_WS_URL", c.WSURL)
	c.AuthToken = envStr("ARIA_AUTH_TOKEN", c.AuthToken)
	c.Voice = envStr("ARIA_VOICE", c.Voice)
	c.SynthFormat = envStr("ARIA_SYNTH_FORMAT", c.SynthFormat)
	c.Language = envStr("ARIA_LANGUAGE", c.Language)
	c.UploadFormat = envStr("ARIA_UPLOAD_FORMAT", c.UploadFormat)

	var err error
	if c.HTTPTimeout, err = envDur("ARIA_HTTP_TIMEOUT", c.HTTPTimeout); err != nil {
		return c, err
	}
	if c.ReconnectDelay, err = envDur("ARIA_RECONNECT_DELAY", c.ReconnectDelay); err != nil {
		return c, err
	}
	if c.MaxReconnectDelay, err = envDur("ARIA_MAX_RECONNECT_DELAY", c.MaxReconnectDelay); err != nil {
		return c, err
	}
	if c.HeartbeatInterval, err = envDur("ARIA_HEARTBEAT_INTERVAL", c.HeartbeatInterval); err != nil {
		return c, err
	}
	if c.MaxRecording, err = envDur("ARIA_MAX_RECORDING", c.MaxRecording); err != nil {
		return c, err
	}
	if c.ChunkInterval, err = envDur("ARIA_CHUNK_INTERVAL", c.ChunkInterval); err != nil {
		return c, err
	}
	if c.MaxReconnects, err = envInt("ARIA_MAX_RECONNECTS", c.MaxReconnects); err != nil {
		return c, err
	}
	if c.SampleRate, err = envInt("ARIA_SAMPLE_RATE", c.SampleRate); err != nil {
		return c, err
	}
	if c.VoiceSpeed, err = envFloat("ARIA_VOICE_SPEED", c.VoiceSpeed); err != nil {
		return c, err
	}
	if c.ConfidenceThreshold, err = envFloat("ARIA_CONFIDENCE_THRESHOLD", c.ConfidenceThreshold); err != nil {
		return c, err
	}

	return c, c.validate()
}

func (c Config) validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("sample rate must be between 8000 and 48000, got %d", c.SampleRate)
	}
	switch c.UploadFormat {
	case "wav", "flac":
	default:
		return fmt.Errorf("unknown upload format %q (use wav or flac)", c.UploadFormat)
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("max reconnects must not be negative, got %d", c.MaxReconnects)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("parsing %s: %w", key, err)
	}
	return f, nil
}

// Package transcribe uploads finished recordings to the assistant backend
// and gates the returned text on recognition confidence.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"aria/encoder"
)

var (
	// ErrLowConfidence means the backend produced text but its confidence
	// fell below the caller's threshold.
	ErrLowConfidence = errors.New("transcription confidence below threshold")
	// ErrNoSpeech means the recording contained no recognizable speech.
	ErrNoSpeech = errors.New("no speech detected")
)

type Config struct {
	BaseURL      string
	AuthToken    string
	Timeout      time.Duration
	Language     string
	UploadFormat string
	// ConfidenceThreshold rejects results scored strictly below it.
	ConfidenceThreshold float64
}

type Result struct {
	Text       string
	Confidence float64
	Language   string
	DurationMs int64
}

type envelope struct {
	Success bool `json:"success"`
	Data    struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
		Language   string  `json:"language"`
		DurationMs int64   `json:"duration_ms"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Gateway is a stateless client; one instance serves any number of uploads.
type Gateway struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
}

func NewGateway(cfg Config, log zerolog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Gateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// Transcribe uploads the blob and returns the recognized text. It makes a
// single attempt; retry policy belongs to the caller.
func (g *Gateway) Transcribe(ctx context.Context, blob []byte) (*Result, error) {
	if len(blob) == 0 {
		return nil, ErrNoSpeech
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("audio", encoder.Filename(g.cfg.UploadFormat))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(blob); err != nil {
		return nil, err
	}
	if g.cfg.Language != "" {
		writer.WriteField("language", g.cfg.Language)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", g.cfg.BaseURL+"/api/voice/transcribe", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if g.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.AuthToken)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription upload: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading transcription response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("transcription response %d: %s", resp.StatusCode, truncate(raw))
	}

	if !env.Success {
		if env.Error.Code == "NO_SPEECH" {
			return nil, ErrNoSpeech
		}
		return nil, fmt.Errorf("transcription failed (%s): %s", env.Error.Code, env.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcription API error %d: %s", resp.StatusCode, truncate(raw))
	}

	res := &Result{
		Text:       env.Data.Text,
		Confidence: env.Data.Confidence,
		Language:   env.Data.Language,
		DurationMs: env.Data.DurationMs,
	}

	g.log.Info().
		Float64("confidence", res.Confidence).
		Int("bytes", len(blob)).
		Dur("elapsed", time.Since(start)).
		Msg("transcription_done")

	if res.Text == "" {
		return nil, ErrNoSpeech
	}
	if res.Confidence < g.cfg.ConfidenceThreshold {
		g.log.Info().
			Float64("confidence", res.Confidence).
			Float64("threshold", g.cfg.ConfidenceThreshold).
			Msg("transcription_rejected")
		return res, ErrLowConfidence
	}
	return res, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

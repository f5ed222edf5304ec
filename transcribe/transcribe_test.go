package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestGateway(url string, threshold float64) *Gateway {
	return NewGateway(Config{
		BaseURL:             url,
		AuthToken:           "tok",
		Language:            "en",
		UploadFormat:        "wav",
		ConfidenceThreshold: threshold,
	}, zerolog.Nop())
}

func successBody(text string, confidence float64) string {
	return fmt.Sprintf(`{"success":true,"data":{"text":%q,"confidence":%v,"language":"en","duration_ms":1200}}`, text, confidence)
}

func TestTranscribeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/voice/transcribe" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("not multipart: %v", err)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("language field = %q", got)
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("audio field: %v", err)
		}
		file.Close()
		if header.Filename != "recording.wav" {
			t.Errorf("filename = %q", header.Filename)
		}
		fmt.Fprint(w, successBody("hello world", 0.93))
	}))
	defer srv.Close()

	res, err := newTestGateway(srv.URL, 0.7).Transcribe(context.Background(), []byte("fake-wav"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello world" || res.Confidence != 0.93 {
		t.Fatalf("result = %+v", res)
	}
	if res.Language != "en" || res.DurationMs != 1200 {
		t.Fatalf("metadata = %+v", res)
	}
}

func TestConfidenceGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, successBody("maybe this", 0.4))
	}))
	defer srv.Close()

	res, err := newTestGateway(srv.URL, 0.7).Transcribe(context.Background(), []byte("x"))
	if !errors.Is(err, ErrLowConfidence) {
		t.Fatalf("err = %v, want ErrLowConfidence", err)
	}
	// The rejected text still comes back for display purposes.
	if res == nil || res.Text != "maybe this" {
		t.Fatalf("result = %+v", res)
	}
}

func TestConfidenceAtThresholdPasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, successBody("exact", 0.7))
	}))
	defer srv.Close()

	if _, err := newTestGateway(srv.URL, 0.7).Transcribe(context.Background(), []byte("x")); err != nil {
		t.Fatalf("confidence equal to threshold must pass: %v", err)
	}
}

func TestNoSpeechErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"success":false,"error":{"code":"NO_SPEECH","message":"no speech detected"}}`)
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL, 0.7).Transcribe(context.Background(), []byte("x"))
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("err = %v, want ErrNoSpeech", err)
	}
}

func TestEmptyTextIsNoSpeech(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, successBody("", 0.9))
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL, 0.7).Transcribe(context.Background(), []byte("x"))
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("err = %v, want ErrNoSpeech", err)
	}
}

func TestBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"success":false,"error":{"code":"ENGINE_DOWN","message":"whisper unavailable"}}`)
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL, 0.7).Transcribe(context.Background(), []byte("x"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrNoSpeech) || errors.Is(err, ErrLowConfidence) {
		t.Fatalf("backend failure mapped to wrong sentinel: %v", err)
	}
}

func TestEmptyBlobSkipsUpload(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL, 0.7).Transcribe(context.Background(), nil)
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("err = %v, want ErrNoSpeech", err)
	}
	if called {
		t.Fatal("empty blob must not hit the network")
	}
}

func TestUnreachableBackend(t *testing.T) {
	_, err := newTestGateway("http://127.0.0.1:1", 0.7).Transcribe(context.Background(), []byte("x"))
	if err == nil {
		t.Fatal("expected transport error")
	}
}

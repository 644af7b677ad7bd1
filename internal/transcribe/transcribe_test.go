package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type capturedRequest struct {
	auth, model, language, prompt, format string
	file, mime, payload                   string
}

func newTranscriptionServer(t *testing.T, got *capturedRequest, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(4 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got.auth = r.Header.Get("Authorization")
		got.model = r.FormValue("model")
		got.language = r.FormValue("language")
		got.prompt = r.FormValue("prompt")
		got.format = r.FormValue("response_format")

		f, fh, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		raw, _ := io.ReadAll(f)
		got.file = fh.Filename
		got.mime = fh.Header.Get("Content-Type")
		got.payload = string(raw)

		_ = json.NewEncoder(w).Encode(map[string]any{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribe_Success(t *testing.T) {
	var got capturedRequest
	srv := newTranscriptionServer(t, &got, "  the login button is broken  ")

	c, err := New(Options{APIKey: "key-1", BaseURL: srv.URL + "/v1", Language: "en", Prompt: "YakShaver, Azure DevOps", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	text, err := c.Transcribe(context.Background(), Recording{Name: "bug.webm", MIMEType: "video/webm", Data: []byte("video-bytes")})
	if err != nil {
		t.Fatalf("Transcribe error: %v", err)
	}
	if text != "the login button is broken" {
		t.Fatalf("expected trimmed text, got %q", text)
	}
	if got.auth != "Bearer key-1" {
		t.Fatalf("expected bearer auth, got %q", got.auth)
	}
	if got.model != DefaultModel || got.format != "json" {
		t.Fatalf("unexpected model/format %q/%q", got.model, got.format)
	}
	if got.language != "en" || got.prompt != "YakShaver, Azure DevOps" {
		t.Fatalf("unexpected hints %q/%q", got.language, got.prompt)
	}
	if got.file != "bug.webm" || got.mime != "video/webm" || got.payload != "video-bytes" {
		t.Fatalf("unexpected file part %+v", got)
	}
}

func TestTranscribeFile_DetectsMIMEType(t *testing.T) {
	var got capturedRequest
	srv := newTranscriptionServer(t, &got, "hello")

	path := filepath.Join(t.TempDir(), "walkthrough.mp3")
	if err := os.WriteFile(path, []byte("audio"), 0644); err != nil {
		t.Fatalf("write recording: %v", err)
	}

	c, err := New(Options{APIKey: "k", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if _, err := c.TranscribeFile(context.Background(), path); err != nil {
		t.Fatalf("TranscribeFile error: %v", err)
	}
	if got.file != "walkthrough.mp3" || got.mime != "audio/mpeg" {
		t.Fatalf("unexpected file part %q %q", got.file, got.mime)
	}
	if got.language != "" || got.prompt != "" {
		t.Fatal("expected optional fields to be omitted")
	}
}

func TestTranscribe_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "bad", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	_, err = c.Transcribe(context.Background(), Recording{Data: []byte("x")})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid token") {
		t.Fatalf("expected body in error, got %v", err)
	}
}

func TestTranscribe_RejectsBadInput(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected missing api key error")
	}

	c, err := New(Options{APIKey: "k"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if _, err := c.Transcribe(context.Background(), Recording{}); err == nil {
		t.Fatal("expected empty recording error")
	}
	_, err = c.Transcribe(context.Background(), Recording{Data: make([]byte, MaxRecordingBytes+1)})
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected too-large error, got %v", err)
	}
	if _, err := c.TranscribeFile(context.Background(), filepath.Join(t.TempDir(), "missing.mp4")); err == nil {
		t.Fatal("expected missing file error")
	}
}

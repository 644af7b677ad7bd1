// Package transcribe turns a recording into the transcript a run works from.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultModel   = "gpt-4o-mini-transcribe"
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 2 * time.Minute
	// MaxRecordingBytes is the upload limit of the transcription endpoint.
	MaxRecordingBytes = 25 * 1024 * 1024
)

// Recording is one audio or video payload.
type Recording struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Options configures an OpenAI compatible /audio/transcriptions client.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	// Language is an optional ISO-639-1 hint.
	Language string
	// Prompt biases spelling of product and project names.
	Prompt  string
	Timeout time.Duration
}

type Client struct {
	endpoint string
	opts     Options
	http     *http.Client
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transcription request failed: status %d: %s", e.Status, e.Body)
}

func New(opts Options) (*Client, error) {
	opts.APIKey = strings.TrimSpace(opts.APIKey)
	if opts.APIKey == "" {
		return nil, fmt.Errorf("api key is required for transcription")
	}
	opts.BaseURL = strings.TrimSpace(opts.BaseURL)
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.Model = strings.TrimSpace(opts.Model)
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	return &Client{
		endpoint: strings.TrimRight(opts.BaseURL, "/") + "/audio/transcriptions",
		opts:     opts,
		http:     &http.Client{Timeout: opts.Timeout},
	}, nil
}

// TranscribeFile reads a recording from disk. The MIME type is taken from
// the file extension.
func (c *Client) TranscribeFile(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat recording: %w", err)
	}
	if info.Size() > MaxRecordingBytes {
		return "", fmt.Errorf("recording too large: %d bytes (max %d)", info.Size(), MaxRecordingBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read recording: %w", err)
	}
	return c.Transcribe(ctx, Recording{
		Name:     filepath.Base(path),
		MIMEType: mimeType(path),
		Data:     data,
	})
}

func (c *Client) Transcribe(ctx context.Context, rec Recording) (string, error) {
	if len(rec.Data) == 0 {
		return "", fmt.Errorf("recording must not be empty")
	}
	if len(rec.Data) > MaxRecordingBytes {
		return "", fmt.Errorf("recording too large: %d bytes (max %d)", len(rec.Data), MaxRecordingBytes)
	}

	body, contentType, err := buildForm(rec, c.opts)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("transcription response returned empty text")
	}
	return text, nil
}

// Formats the endpoint accepts. The system MIME table often lacks them.
var recordingTypes = map[string]string{
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".mp4":  "video/mp4",
	".mpeg": "video/mpeg",
	".mpga": "audio/mpeg",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".webm": "video/webm",
}

func mimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := recordingTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

func buildForm(rec Recording, opts Options) (*bytes.Buffer, string, error) {
	name := strings.TrimSpace(rec.Name)
	if name == "" {
		name = "recording.bin"
	}
	mimeType := strings.TrimSpace(rec.MIMEType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	partHeader.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(rec.Data); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"model", opts.Model},
		{"response_format", "json"},
		{"language", strings.TrimSpace(opts.Language)},
		{"prompt", strings.TrimSpace(opts.Prompt)},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &body, writer.FormDataContentType(), nil
}

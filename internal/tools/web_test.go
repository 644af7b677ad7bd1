package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

func newTestWebFetch(client *http.Client) *webFetchToolImpl {
	return &webFetchToolImpl{
		client:    client,
		maxBytes:  defaultWebFetchMaxBytes,
		converter: md.NewConverter("", true, nil),
	}
}

func TestWebFetch_ConvertsHTMLToMarkdown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Sprint board</title><style>h1{}</style></head>
<body><script>alert(1)</script><main><h1>Backlog</h1><p>Fix the <strong>login</strong> bug</p></main></body></html>`))
	}))
	defer server.Close()

	impl := newTestWebFetch(server.Client())
	out, err := impl.execute(context.Background(), &WebFetchInput{URL: server.URL})
	if err != nil {
		t.Fatalf("web fetch error: %v", err)
	}
	if out.Title != "Sprint board" {
		t.Fatalf("unexpected title: %q", out.Title)
	}
	if !strings.Contains(out.Content, "# Backlog") {
		t.Fatalf("expected markdown heading, got %q", out.Content)
	}
	if !strings.Contains(out.Content, "**login**") {
		t.Fatalf("expected bold markdown, got %q", out.Content)
	}
	if strings.Contains(out.Content, "alert") {
		t.Fatalf("expected scripts to be stripped, got %q", out.Content)
	}
}

func TestWebFetch_TruncatesPlainText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer server.Close()

	impl := newTestWebFetch(server.Client())
	out, err := impl.execute(context.Background(), &WebFetchInput{URL: server.URL, MaxBytes: 10})
	if err != nil {
		t.Fatalf("web fetch error: %v", err)
	}
	if !out.Truncated || len(out.Content) != 10 {
		t.Fatalf("expected truncated content of 10 bytes, got %d (truncated=%v)", len(out.Content), out.Truncated)
	}
}

func TestWebFetch_RejectsUnsupportedScheme(t *testing.T) {
	impl := newTestWebFetch(http.DefaultClient)
	if _, err := impl.execute(context.Background(), &WebFetchInput{URL: "file:///etc/passwd"}); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestWebFetch_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	impl := newTestWebFetch(server.Client())
	out, err := impl.execute(context.Background(), &WebFetchInput{URL: server.URL})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if out == nil || out.Status != http.StatusNotFound {
		t.Fatalf("expected output with status 404, got %+v", out)
	}
}

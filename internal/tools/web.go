package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
)

const (
	defaultWebTimeout       = 15 * time.Second
	defaultWebFetchMaxBytes = 256 * 1024
	maxWebFetchBytes        = 1024 * 1024
)

type WebFetchInput struct {
	URL      string `json:"url" jsonschema:"required,description=The target URL to fetch"`
	MaxBytes int    `json:"max_bytes" jsonschema:"description=Optional maximum response bytes to keep"`
}

type WebFetchOutput struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	Truncated   bool   `json:"truncated"`
}

type webFetchToolImpl struct {
	client    *http.Client
	maxBytes  int
	converter *md.Converter
}

func (w *webFetchToolImpl) execute(ctx context.Context, input *WebFetchInput) (*WebFetchOutput, error) {
	rawURL := strings.TrimSpace(input.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme: %s", parsed.Scheme)
	}

	maxBytes := input.MaxBytes
	if maxBytes <= 0 {
		maxBytes = w.maxBytes
	}
	if maxBytes <= 0 {
		maxBytes = defaultWebFetchMaxBytes
	}
	if maxBytes > maxWebFetchBytes {
		maxBytes = maxWebFetchBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "yakshaver-web-fetch/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes+1)))
	if err != nil {
		return nil, err
	}

	truncated := false
	if len(body) > maxBytes {
		body = body[:maxBytes]
		truncated = true
	}

	out := &WebFetchOutput{
		URL:         rawURL,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Content:     strings.TrimSpace(string(body)),
		Truncated:   truncated,
	}
	if strings.Contains(strings.ToLower(out.ContentType), "text/html") {
		out.Title, out.Content = w.htmlToMarkdown(body)
	}

	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("web fetch failed with status %d", resp.StatusCode)
	}

	meta := InvocationFromContext(ctx)
	slog.Debug("web fetch finished", "run_id", meta.RunID, "url", rawURL, "status", resp.StatusCode, "bytes", len(body))
	return out, nil
}

// htmlToMarkdown drops non-content nodes and converts the rest to markdown.
func (w *webFetchToolImpl) htmlToMarkdown(body []byte) (string, string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", strings.TrimSpace(string(body))
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, nav, footer, iframe").Remove()

	selection := doc.Find("main").First()
	if selection.Length() == 0 {
		selection = doc.Find("body").First()
	}
	if selection.Length() == 0 {
		selection = doc.Selection
	}

	content := w.converter.Convert(selection)
	return title, strings.TrimSpace(content)
}

func NewWebFetchTool() (tool.InvokableTool, error) {
	impl := &webFetchToolImpl{
		client: &http.Client{
			Timeout: defaultWebTimeout,
		},
		maxBytes:  defaultWebFetchMaxBytes,
		converter: md.NewConverter("", true, nil),
	}
	return utils.InferTool("web_fetch", "Fetch a web page and return its content as markdown", impl.execute)
}

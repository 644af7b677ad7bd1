package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SSWConsulting/yakshaver/internal/config"
)

const gatewayRequestTimeout = 10 * time.Second

// gatewayClient talks to a running `yakshaver serve`.
type gatewayClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newGatewayClient(baseURL, token string) *gatewayClient {
	return &gatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: gatewayRequestTimeout},
	}
}

// gatewayClientFromConfig targets the configured gateway unless override is set.
func gatewayClientFromConfig(cfg *config.Config, override string) *gatewayClient {
	base := strings.TrimSpace(override)
	if base == "" {
		host := cfg.Gateway.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		base = fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port)
	}
	return newGatewayClient(base, cfg.Gateway.Token)
}

type gatewayError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *gatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.Status)
	}
	return fmt.Sprintf("gateway: %s (%d)", e.Message, e.Status)
}

func (c *gatewayClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		gerr := &gatewayError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(gerr)
		return gerr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

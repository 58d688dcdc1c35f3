package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskmill/internal/core"
)

// HTTPAction performs an HTTP request and treats the response status as
// the outcome.
type HTTPAction struct {
	client *http.Client
	logger *slog.Logger
}

func NewHTTP(client *http.Client, logger *slog.Logger) *HTTPAction {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAction{client: client, logger: logger}
}

type httpConfig struct {
	URL          string            `json:"url"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	ExpectStatus int               `json:"expect_status,omitempty"`
}

func (a *HTTPAction) Invoke(ctx context.Context, spec core.ActionSpec, ec core.EvalContext, logw io.Writer) (string, error) {
	var cfg httpConfig
	if err := json.Unmarshal(spec.Config, &cfg); err != nil {
		return "", fmt.Errorf("decode http config: %w", err)
	}
	if cfg.URL == "" {
		return "", errors.New("http config: url is required")
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		if cfg.Body != "" {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	fmt.Fprintf(logw, "%s %s\n", method, cfg.URL)
	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	tail := newTailBuffer(tailLimit)
	if _, err := io.Copy(tail, io.LimitReader(resp.Body, 1<<20)); err != nil && ctx.Err() == nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	fmt.Fprintf(logw, "response: %s\n", resp.Status)
	if snippet := strings.TrimSpace(tail.String()); snippet != "" {
		fmt.Fprintln(logw, snippet)
	}

	if cfg.ExpectStatus > 0 {
		if resp.StatusCode != cfg.ExpectStatus {
			return "", fmt.Errorf("unexpected status %s, want %d", resp.Status, cfg.ExpectStatus)
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Status, nil
}

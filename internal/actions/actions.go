// Package actions provides the built-in action invokers: shell commands,
// HTTP requests, log lines and step chains.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"taskmill/internal/core"
)

// tailLimit bounds how much trailing output is kept as an execution
// result.
const tailLimit = 4096

// RegisterAll wires every built-in action into the registry.
func RegisterAll(reg *core.Registry, client *http.Client, logger *slog.Logger) {
	reg.Register("command", NewCommand(logger))
	reg.Register("http", NewHTTP(client, logger))
	reg.Register("log", &LogAction{})
	reg.Register("chain", NewChain(reg))
}

// LogAction writes a message to the execution log. Handy for wiring
// checks and as a chain step placeholder.
type LogAction struct{}

type logConfig struct {
	Message string `json:"message"`
}

func (a *LogAction) Invoke(ctx context.Context, spec core.ActionSpec, ec core.EvalContext, logw io.Writer) (string, error) {
	var cfg logConfig
	if err := json.Unmarshal(spec.Config, &cfg); err != nil {
		return "", fmt.Errorf("decode log config: %w", err)
	}
	if cfg.Message == "" {
		return "", errors.New("log config: message is required")
	}
	fmt.Fprintln(logw, cfg.Message)
	return cfg.Message, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"taskmill/internal/core"
)

// killDelay is how long a terminated process gets to exit before it is
// killed outright.
const killDelay = 5 * time.Second

// CommandAction runs a shell command, streaming combined output to the
// execution log.
type CommandAction struct {
	logger *slog.Logger
}

func NewCommand(logger *slog.Logger) *CommandAction {
	return &CommandAction{logger: logger}
}

type commandConfig struct {
	Command    string            `json:"command"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

func (a *CommandAction) Invoke(ctx context.Context, spec core.ActionSpec, ec core.EvalContext, logw io.Writer) (string, error) {
	var cfg commandConfig
	if err := json.Unmarshal(spec.Config, &cfg); err != nil {
		return "", fmt.Errorf("decode command config: %w", err)
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return "", errors.New("command config: command is required")
	}

	tail := newTailBuffer(tailLimit)
	out := &syncWriter{w: io.MultiWriter(logw, tail)}

	cmd := commandFor(ctx, cfg.Command)
	cmd.Stdout = out
	cmd.Stderr = out
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	cmd.Env = commandEnv(cfg.Env, ec)
	// Cooperative shutdown: termination signal on context cancellation,
	// hard kill if the process lingers past the delay.
	cmd.Cancel = func() error {
		sendTermination(cmd.Process)
		return nil
	}
	cmd.WaitDelay = killDelay

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return "", fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return "", fmt.Errorf("run command: %w", waitErr)
	}
	return strings.TrimSpace(tail.String()), nil
}

// commandEnv extends the process environment with the action's own env
// entries and the evaluation variables, so trigger payloads reach shell
// commands.
func commandEnv(extra map[string]string, ec core.EvalContext) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	for k, v := range ec.Vars {
		env = append(env, "TASKMILL_VAR_"+envKey(k)+"="+fmt.Sprint(v))
	}
	return env
}

func envKey(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			return r
		default:
			return '_'
		}
	}, name)
	return mapped
}

func commandFor(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

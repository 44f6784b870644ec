package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ksi-project/ksi/pkg/config"
)

// Subprocess runs the configured provider command once per request.
//
// The child gets its own process group so cancellation can kill the
// whole tree: SIGTERM first, SIGKILL after the kill grace. Stderr is
// kept as a bounded tail for error reports.
type Subprocess struct {
	cfg config.ProviderConfig
}

// NewSubprocess builds a subprocess provider from config.
func NewSubprocess(cfg config.ProviderConfig) *Subprocess {
	return &Subprocess{cfg: cfg}
}

var _ Provider = (*Subprocess)(nil)

// Complete invokes the provider command and parses its stdout as one
// JSON object.
func (s *Subprocess) Complete(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}

	args := []string{"-p", "--output-format", "json", "--model", model}
	if req.SessionID != "" && !strings.HasPrefix(req.SessionID, "tmp-") {
		args = append(args, "--resume", req.SessionID)
	}
	args = append(args, req.Prompt)

	// Not CommandContext: cancellation must hit the process group, not
	// just the direct child.
	cmd := exec.Command(s.cfg.Command, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	stderr := newTailBuffer(s.cfg.StderrTailBytes)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start provider %s: %w", s.cfg.Command, err)
	}
	pgid := cmd.Process.Pid
	if id, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		pgid = id
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		s.killGroup(pgid, waitCh, req.RequestID)
		return nil, ctx.Err()
	}

	if waitErr != nil {
		return nil, fmt.Errorf("provider exited: %w; stderr: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	result, err := parseResult(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("provider output: %w; stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	if result.DurationMS == 0 {
		result.DurationMS = time.Since(started).Milliseconds()
	}
	return result, nil
}

// killGroup terminates the provider's process group: SIGTERM, then
// SIGKILL after the grace period or once the grace elapses without
// exit.
func (s *Subprocess) killGroup(pgid int, waitCh <-chan error, requestID string) {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	grace := s.cfg.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-waitCh:
	case <-time.After(grace):
		slog.Warn("provider ignored SIGTERM, killing group",
			"request_id", requestID, "pgid", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-waitCh
	}
}

// parseResult decodes the provider's stdout object. Both "result" and
// "content" carry the completion text, depending on provider version.
func parseResult(out []byte) (*Result, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty stdout")
	}

	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}

	res := &Result{Raw: raw}
	if v, ok := raw["result"].(string); ok {
		res.Result = v
	} else if v, ok := raw["content"].(string); ok {
		res.Result = v
	}
	if v, ok := raw["session_id"].(string); ok {
		res.SessionID = v
	}
	if v, ok := raw["duration_ms"].(float64); ok {
		res.DurationMS = int64(v)
	}
	if v, ok := raw["total_cost_usd"].(float64); ok {
		res.TotalCostUSD = v
	}
	if v, ok := raw["is_error"].(bool); ok {
		res.IsError = v
	}
	if v, ok := raw["error_message"].(string); ok {
		res.ErrorMessage = v
	}
	if res.IsError && res.ErrorMessage == "" {
		res.ErrorMessage = res.Result
	}
	return res, nil
}

// tailBuffer keeps the last max bytes written, so runaway provider
// stderr cannot grow the daemon's memory.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 8 * 1024
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if len(t.buf)+len(p) > t.max {
		excess := len(t.buf) + len(p) - t.max
		t.buf = t.buf[excess:]
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

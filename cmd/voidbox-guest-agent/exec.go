package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/the-void-ia/void-box/internal/ociroot"
	"github.com/the-void-ia/void-box/internal/wireproto"
	"golang.org/x/sys/unix"
)

// commandAllowlist is populated once at startup from the
// voidbox.allowed_commands= kernel cmdline token. A nil/empty allowlist
// means "allow all", matching is_command_allowed's None/empty-Some cases.
var commandAllowlist []string

func isCommandAllowed(program string) bool {
	if len(commandAllowlist) == 0 {
		return true
	}
	basename := filepath.Base(program)
	for _, allowed := range commandAllowlist {
		if allowed == basename {
			return true
		}
	}
	return false
}

// executeCommand runs one ExecRequest to completion, streaming
// ExecOutputChunk frames for stdout/stderr as they arrive and returning the
// terminal ExecResponse. Grounded on
// original_source/guest-agent/src/main.rs: execute_command for the overall
// shape (allowlist check, PATH/HOME defaults, watchdog timeout, process-group
// kill), adapted to the teacher's frameSender/streamFrameWriter
// io.Copy+io.MultiWriter idiom from
// buildkite-cleanroom/cmd/cleanroom-guest-agent/main.go for the actual
// streaming, since that is a cleaner fit for Go's os/exec than a hand-rolled
// read loop.
func executeCommand(logger *log.Logger, sender *frameSender, req wireproto.ExecRequest, limits ociroot.ResourceLimits) wireproto.ExecResponse {
	start := time.Now()

	if !isCommandAllowed(req.Program) {
		logger.Warn("command not allowed", "program", req.Program)
		return wireproto.ExecResponse{
			Stderr:     []byte(fmt.Sprintf("command %q is not in the allowed commands list", req.Program)),
			ExitCode:   -1,
			Error:      wireproto.StringPtr(fmt.Sprintf("command %q is not allowed", req.Program)),
			DurationMs: wireproto.Uint64Ptr(uint64(time.Since(start).Milliseconds())),
		}
	}

	env := buildExecEnv(req.Env)

	cfgJSON, err := json.Marshal(execHelperConfig{
		Program:        req.Program,
		Args:           req.Args,
		Env:            env,
		WorkingDir:     req.WorkingDir,
		ResourceLimits: limits,
	})
	if err != nil {
		return execSpawnError(req, start, fmt.Errorf("encode exec helper config: %w", err))
	}

	selfPath, err := os.Executable()
	if err != nil {
		return execSpawnError(req, start, fmt.Errorf("resolve self path: %w", err))
	}

	cmd := exec.Command(selfPath)
	cmd.Env = []string{
		execHelperEnv + "=1",
		execHelperConfigEnv + "=" + string(cfgJSON),
	}
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return execSpawnError(req, start, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return execSpawnError(req, start, err)
	}

	if err := cmd.Start(); err != nil {
		return execSpawnError(req, start, err)
	}

	var watchdogFired bool
	var watchdogMu sync.Mutex
	var timer *time.Timer
	if req.TimeoutMs > 0 {
		timer = time.AfterFunc(time.Duration(req.TimeoutMs)*time.Millisecond, func() {
			watchdogMu.Lock()
			watchdogFired = true
			watchdogMu.Unlock()
			logger.Warn("watchdog timeout reached, killing process group", "pgid", cmd.Process.Pid, "timeout_ms", req.TimeoutMs)
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
			_ = unix.Kill(cmd.Process.Pid, unix.SIGKILL)
		})
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.MultiWriter(&stdoutBuf, &streamFrameWriter{sender: sender, stream: wireproto.ExecStreamStdout}), stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.MultiWriter(&stderrBuf, &streamFrameWriter{sender: sender, stream: wireproto.ExecStreamStderr}), stderr)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if timer != nil {
		timer.Stop()
	}

	duration := time.Since(start)
	resp := wireproto.ExecResponse{
		Stdout:     stdoutBuf.Bytes(),
		Stderr:     stderrBuf.Bytes(),
		DurationMs: wireproto.Uint64Ptr(uint64(duration.Milliseconds())),
	}

	watchdogMu.Lock()
	fired := watchdogFired
	watchdogMu.Unlock()

	switch {
	case waitErr == nil:
		resp.ExitCode = 0
	case fired:
		resp.ExitCode = -1
		resp.Error = wireproto.StringPtr(fmt.Sprintf("process killed after %dms timeout", req.TimeoutMs))
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			resp.ExitCode = int32(exitErr.ExitCode())
		} else {
			resp.ExitCode = -1
			resp.Error = wireproto.StringPtr(waitErr.Error())
		}
	}
	return resp
}

func execSpawnError(req wireproto.ExecRequest, start time.Time, err error) wireproto.ExecResponse {
	return wireproto.ExecResponse{
		Stderr:     []byte(fmt.Sprintf("failed to spawn %q: %v", req.Program, err)),
		ExitCode:   -1,
		Error:      wireproto.StringPtr(err.Error()),
		DurationMs: wireproto.Uint64Ptr(uint64(time.Since(start).Milliseconds())),
	}
}

// buildExecEnv layers the request's environment over the agent's own,
// ensuring PATH/HOME defaults exist even when the caller supplies neither.
// Matches buildkite-cleanroom/cmd/cleanroom-guest-agent/main.go:
// buildCommandEnv, with HOME defaulted to the sandbox user's home (not
// /root, which uid 1000 cannot write to) per execute_command's own comment.
func buildExecEnv(requestEnv map[string]string) []string {
	base := map[string]string{}
	for _, entry := range os.Environ() {
		k, v, _ := strings.Cut(entry, "=")
		base[k] = v
	}
	for k, v := range requestEnv {
		base[k] = v
	}

	if strings.TrimSpace(base["PATH"]) == "" {
		base["PATH"] = "/usr/local/bin:/usr/bin:/bin:/sbin"
	} else if !strings.Contains(base["PATH"], "/usr/local/bin") {
		base["PATH"] = "/usr/local/bin:" + base["PATH"]
	}
	if strings.TrimSpace(base["HOME"]) == "" {
		base["HOME"] = "/home/sandbox"
	}

	out := make([]string, 0, len(base))
	for k, v := range base {
		out = append(out, k+"="+v)
	}
	return out
}

// frameSender serializes ExecOutputChunk/ExecResponse writes onto one vsock
// connection so two goroutines streaming stdout and stderr concurrently
// never interleave partial frames. Matches
// buildkite-cleanroom/cmd/cleanroom-guest-agent/main.go: frameSender.
type frameSender struct {
	w  io.Writer
	mu sync.Mutex
}

func newFrameSender(w io.Writer) *frameSender {
	return &frameSender{w: w}
}

func (s *frameSender) Send(msg wireproto.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wireproto.WriteMessage(s.w, msg)
}

// streamFrameWriter adapts an io.Copy destination into ExecOutputChunk
// frames with a monotonically increasing per-stream sequence number, per
// spec.md §5's ordering guarantee.
type streamFrameWriter struct {
	sender *frameSender
	stream wireproto.ExecStream
	seq    uint64
}

func (w *streamFrameWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := wireproto.ExecOutputChunk{Stream: w.stream, Data: append([]byte(nil), p...), Seq: w.seq}
	w.seq++
	payload, err := json.Marshal(chunk)
	if err != nil {
		return 0, err
	}
	if err := w.sender.Send(wireproto.Message{Type: wireproto.MessageTypeExecOutputChunk, Payload: payload}); err != nil {
		return 0, err
	}
	return len(p), nil
}

package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/the-void-ia/void-box/internal/wireproto"
)

// execTimeoutGrace is added to ExecOptions.Timeout when setting the
// connection deadline, so the host-side deadline fires slightly after the
// guest's own watchdog would have -- a guest-reported timeout result is
// more informative than the host simply dropping the connection.
const execTimeoutGrace = 250 * time.Millisecond

// ExecOptions configures one Exec/ExecStreaming call.
type ExecOptions struct {
	Env        map[string]string
	Stdin      []byte
	WorkingDir string
	// Timeout bounds the command's execution; zero means no timeout.
	Timeout time.Duration
}

// ExecResult carries the terminal outcome of a successful exec.
type ExecResult struct {
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// StreamChunk is delivered to an ExecStreaming callback as output arrives,
// strictly before the terminal ExecResult, in increasing Seq order per
// Stream.
type StreamChunk struct {
	Stream wireproto.ExecStream
	Data   []byte
	Seq    uint64
}

// Exec runs program with args to completion and returns its result. It
// fails with *ProtocolError if the session connection broke, *GuestRejected
// if the secret or allowlist check failed, *GuestExec if the guest could not
// spawn the child, or *Timeout if the deadline in opts expired first.
func (s *Sandbox) Exec(ctx context.Context, program string, args []string, opts ExecOptions) (ExecResult, error) {
	return s.exec(ctx, program, args, opts, nil)
}

// ExecStreaming is Exec plus a callback invoked for every stdout/stderr
// chunk as it arrives, before the terminal ExecResult is returned.
func (s *Sandbox) ExecStreaming(ctx context.Context, program string, args []string, opts ExecOptions, onChunk func(StreamChunk)) (ExecResult, error) {
	return s.exec(ctx, program, args, opts, onChunk)
}

func (s *Sandbox) exec(ctx context.Context, program string, args []string, opts ExecOptions, onChunk func(StreamChunk)) (ExecResult, error) {
	req := wireproto.ExecRequest{
		Secret:     hex.EncodeToString(s.secret[:]),
		Program:    program,
		Args:       args,
		Stdin:      opts.Stdin,
		Env:        opts.Env,
		WorkingDir: opts.WorkingDir,
	}
	if opts.Timeout > 0 {
		req.TimeoutMs = uint64(opts.Timeout / time.Millisecond)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return ExecResult{}, fmt.Errorf("voidbox: encode exec request: %w", err)
	}

	deadline, hasDeadline := ctx.Deadline()
	if opts.Timeout > 0 {
		byTimeout := time.Now().Add(opts.Timeout + execTimeoutGrace)
		if !hasDeadline || byTimeout.Before(deadline) {
			deadline, hasDeadline = byTimeout, true
		}
	}
	if hasDeadline {
		_ = s.conn.SetDeadline(deadline)
		defer s.conn.SetDeadline(time.Time{})
	}

	var stdout, stderr bytes.Buffer
	msg, err := s.doRequest(wireproto.Message{Type: wireproto.MessageTypeExecRequest, Payload: payload}, func(c wireproto.ExecOutputChunk) {
		switch c.Stream {
		case wireproto.ExecStreamStdout:
			stdout.Write(c.Data)
		case wireproto.ExecStreamStderr:
			stderr.Write(c.Data)
		}
		if onChunk != nil {
			onChunk(StreamChunk{Stream: c.Stream, Data: c.Data, Seq: c.Seq})
		}
	})
	if err != nil {
		if isHostDeadlineErr(err) {
			return ExecResult{}, &Timeout{TimeoutMs: req.TimeoutMs, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		}
		return ExecResult{}, err
	}

	var resp wireproto.ExecResponse
	if err := msg.Decode(&resp); err != nil {
		return ExecResult{}, &ProtocolError{Err: err}
	}

	result := ExecResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}
	if resp.DurationMs != nil {
		result.Duration = time.Duration(*resp.DurationMs) * time.Millisecond
	}
	if resp.Error != nil {
		return result, classifyExecError(resp)
	}
	return result, nil
}

// classifyExecError maps a guest-reported ExecResponse.Error string to the
// error taxonomy in spec.md §7, matching the exact wording
// cmd/voidbox-guest-agent/exec.go produces for each case.
func classifyExecError(resp wireproto.ExecResponse) error {
	reason := ""
	if resp.Error != nil {
		reason = *resp.Error
	}
	switch {
	case strings.Contains(reason, "is not allowed"):
		return &GuestRejected{Reason: reason}
	case strings.Contains(reason, "killed after") && strings.Contains(reason, "timeout"):
		return &Timeout{Stdout: resp.Stdout, Stderr: resp.Stderr}
	default:
		return &GuestExec{Err: errors.New(reason)}
	}
}

// isHostDeadlineErr reports whether err is (or wraps) a net.Conn deadline
// expiry, as opposed to some other framing failure.
func isHostDeadlineErr(err error) bool {
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		return false
	}
	var netErr net.Error
	return errors.As(protoErr.Err, &netErr) && netErr.Timeout()
}

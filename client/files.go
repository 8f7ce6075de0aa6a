package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/the-void-ia/void-box/internal/wireproto"
)

// WriteFile writes content to path inside the guest atomically, creating
// parent directories first when createParents is set. path must fall under
// one of the guest agent's allowed write roots (/workspace, /home,
// /etc/voidbox); anything else is reported as *GuestExec.
func (s *Sandbox) WriteFile(ctx context.Context, path string, content []byte, createParents bool) error {
	req := wireproto.WriteFileRequest{
		Secret:        hex.EncodeToString(s.secret[:]),
		Path:          path,
		Content:       content,
		CreateParents: createParents,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("voidbox: encode write_file request: %w", err)
	}

	msg, err := s.doRequest(wireproto.Message{Type: wireproto.MessageTypeWriteFile, Payload: payload}, nil)
	if err != nil {
		return err
	}

	var resp wireproto.WriteFileResponse
	if err := msg.Decode(&resp); err != nil {
		return &ProtocolError{Err: err}
	}
	if !resp.Success {
		return &GuestExec{Err: errors.New(responseError(resp.Error))}
	}
	return nil
}

// MkdirP creates path and any missing parents inside the guest. Idempotent:
// calling it again for an existing directory returns nil.
func (s *Sandbox) MkdirP(ctx context.Context, path string) error {
	req := wireproto.MkdirPRequest{Secret: hex.EncodeToString(s.secret[:]), Path: path}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("voidbox: encode mkdir_p request: %w", err)
	}

	msg, err := s.doRequest(wireproto.Message{Type: wireproto.MessageTypeMkdirP, Payload: payload}, nil)
	if err != nil {
		return err
	}

	var resp wireproto.MkdirPResponse
	if err := msg.Decode(&resp); err != nil {
		return &ProtocolError{Err: err}
	}
	if !resp.Success {
		return &GuestExec{Err: errors.New(responseError(resp.Error))}
	}
	return nil
}

func responseError(e *string) string {
	if e == nil {
		return "unknown error"
	}
	return *e
}

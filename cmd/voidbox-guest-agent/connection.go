package main

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"

	"github.com/charmbracelet/log"
	"github.com/the-void-ia/void-box/internal/ociroot"
	"github.com/the-void-ia/void-box/internal/wireproto"
)

// sessionState carries everything one accepted connection needs to dispatch
// messages: the expected secret, the resource limits every ExecRequest gets,
// and a logger scoped to this connection. Unlike the reference's
// thread_local AUTHENTICATED flag, Go gives each connection its own
// goroutine and its own local "authenticated" variable -- no global state
// needed.
type sessionState struct {
	secret [wireproto.SecretLength]byte
	limits ociroot.ResourceLimits
	logger *log.Logger
}

// handleConnection runs the per-connection message loop until the peer
// disconnects or sends something that ends the session (Shutdown, a framing
// error, or an unauthenticated message other than Ping). Matches
// original_source/guest-agent/src/main.rs: handle_connection's dispatch
// shape, adapted to wireproto's Go framing helpers and the frameSender
// streaming idiom borrowed from
// buildkite-cleanroom/cmd/cleanroom-guest-agent/main.go.
func handleConnection(conn net.Conn, state sessionState) {
	defer conn.Close()

	sender := newFrameSender(conn)
	authenticated := false

	for {
		msg, err := wireproto.ReadMessage(conn)
		if err != nil {
			state.logger.Debug("connection closed", "err", err)
			return
		}

		if !authenticated && msg.Type != wireproto.MessageTypePing {
			state.logger.Warn("rejecting message on unauthenticated connection", "type", msg.Type)
			return
		}

		switch msg.Type {
		case wireproto.MessageTypePing:
			peerSecret, version, err := wireproto.DecodePingPayload(msg.Payload)
			if err != nil {
				state.logger.Warn("malformed ping payload", "err", err)
				return
			}
			if subtle.ConstantTimeCompare(peerSecret[:], state.secret[:]) != 1 {
				state.logger.Warn("ping authentication failed")
				return
			}
			authenticated = true
			state.logger.Debug("connection authenticated", "peer_protocol_version", version)
			pong := wireproto.NewRawMessage(wireproto.MessageTypePong, wireproto.EncodeVersionPayload(wireproto.ProtocolVersion))
			if err := sender.Send(pong); err != nil {
				state.logger.Warn("failed to send pong", "err", err)
				return
			}

		case wireproto.MessageTypeExecRequest:
			var req wireproto.ExecRequest
			if err := msg.Decode(&req); err != nil {
				state.logger.Warn("malformed exec request", "err", err)
				return
			}
			if !requestAuthenticated(state, req.Secret) {
				state.logger.Warn("exec request secret mismatch", "program", req.Program)
				resp := wireproto.ExecResponse{
					ExitCode: -1,
					Error:    wireproto.StringPtr("request secret is not allowed"),
				}
				payload, err := json.Marshal(resp)
				if err != nil {
					state.logger.Warn("failed to encode exec response", "err", err)
					return
				}
				if err := sender.Send(wireproto.Message{Type: wireproto.MessageTypeExecResponse, Payload: payload}); err != nil {
					state.logger.Warn("failed to send exec response", "err", err)
				}
				continue
			}
			resp := executeCommand(state.logger, sender, req, state.limits)
			payload, err := json.Marshal(resp)
			if err != nil {
				state.logger.Warn("failed to encode exec response", "err", err)
				return
			}
			if err := sender.Send(wireproto.Message{Type: wireproto.MessageTypeExecResponse, Payload: payload}); err != nil {
				state.logger.Warn("failed to send exec response", "err", err)
				return
			}

		case wireproto.MessageTypeWriteFile:
			var req wireproto.WriteFileRequest
			if err := msg.Decode(&req); err != nil {
				state.logger.Warn("malformed write file request", "err", err)
				return
			}
			if !requestAuthenticated(state, req.Secret) {
				state.logger.Warn("write_file request secret mismatch", "path", req.Path)
				resp := wireproto.WriteFileResponse{Error: wireproto.StringPtr("request secret is not allowed")}
				if err := sendJSON(sender, wireproto.MessageTypeWriteFileResponse, resp); err != nil {
					state.logger.Warn("failed to send write file response", "err", err)
					return
				}
				continue
			}
			resp := handleWriteFile(req)
			if err := sendJSON(sender, wireproto.MessageTypeWriteFileResponse, resp); err != nil {
				state.logger.Warn("failed to send write file response", "err", err)
				return
			}

		case wireproto.MessageTypeMkdirP:
			var req wireproto.MkdirPRequest
			if err := msg.Decode(&req); err != nil {
				state.logger.Warn("malformed mkdir request", "err", err)
				return
			}
			if !requestAuthenticated(state, req.Secret) {
				state.logger.Warn("mkdir_p request secret mismatch", "path", req.Path)
				resp := wireproto.MkdirPResponse{Error: wireproto.StringPtr("request secret is not allowed")}
				if err := sendJSON(sender, wireproto.MessageTypeMkdirPResponse, resp); err != nil {
					state.logger.Warn("failed to send mkdir response", "err", err)
					return
				}
				continue
			}
			resp := handleMkdirP(req)
			if err := sendJSON(sender, wireproto.MessageTypeMkdirPResponse, resp); err != nil {
				state.logger.Warn("failed to send mkdir response", "err", err)
				return
			}

		case wireproto.MessageTypeShutdown:
			state.logger.Info("shutdown requested by host")
			_ = sender.Send(wireproto.Message{Type: wireproto.MessageTypeShutdownAck})
			go initiateShutdown(state.logger)
			return

		default:
			state.logger.Warn("unhandled message type", "type", msg.Type)
		}
	}
}

// requestAuthenticated reports whether hexSecret decodes to exactly
// state.secret, checked with a constant-time comparison. The Ping handshake
// only proves the connection started out authenticated; every later request
// carries its own secret and is checked again here, so a single correctly
// guessed Ping cannot be replayed to smuggle requests with a tampered
// secret past this check.
func requestAuthenticated(state sessionState, hexSecret string) bool {
	decoded, err := hex.DecodeString(hexSecret)
	if err != nil || len(decoded) != len(state.secret) {
		return false
	}
	return subtle.ConstantTimeCompare(decoded, state.secret[:]) == 1
}

func sendJSON(sender *frameSender, t wireproto.MessageType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", t, err)
	}
	return sender.Send(wireproto.Message{Type: t, Payload: payload})
}

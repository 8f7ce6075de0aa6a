// Package wireproto implements the host<->guest wire protocol used over the
// vsock connection between the VMM and the guest agent: a length-prefixed
// frame carrying a one-byte type tag and a JSON payload.
package wireproto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the frame header: 4 bytes little-endian length
// plus 1 byte message type.
const HeaderSize = 5

// MaxMessageSize bounds the payload length accepted on the wire. A length
// exceeding this is a framing error that terminates the connection.
const MaxMessageSize = 64 << 20

// ProtocolVersion is advertised by both peers during the Ping/Pong
// handshake so a version skew between host and guest agent is visible in
// logs rather than silently misbehaving.
const ProtocolVersion uint32 = 1

// SecretLength is the fixed length, in bytes, of the session secret carried
// in a Ping payload.
const SecretLength = 32

// PingPayloadLength is the full Ping payload: the session secret followed
// by the sender's little-endian ProtocolVersion. A Ping with only
// SecretLength bytes is accepted from legacy peers with version treated as
// 0.
const PingPayloadLength = SecretLength + 4

// MessageType tags the payload carried by a Message.
type MessageType uint8

const (
	MessageTypeExecRequest MessageType = 1
	MessageTypeExecResponse MessageType = 2
	MessageTypePing MessageType = 3
	MessageTypePong MessageType = 4
	MessageTypeShutdown MessageType = 5

	// MessageTypeFileTransfer and MessageTypeFileTransferResponse are
	// reserved to keep numeric stability with the protocol this was
	// grounded on. They are superseded by WriteFile/WriteFileResponse and
	// are not emitted or handled by this implementation.
	MessageTypeFileTransfer         MessageType = 6
	MessageTypeFileTransferResponse MessageType = 7

	// MessageTypeTelemetryData, MessageTypeTelemetryAck and
	// MessageTypeSubscribeTelemetry are reserved for the same reason;
	// telemetry/observability export is out of scope for this module.
	MessageTypeTelemetryData       MessageType = 8
	MessageTypeTelemetryAck        MessageType = 9
	MessageTypeSubscribeTelemetry  MessageType = 10

	MessageTypeWriteFile         MessageType = 11
	MessageTypeWriteFileResponse MessageType = 12
	MessageTypeMkdirP            MessageType = 13
	MessageTypeMkdirPResponse    MessageType = 14
	MessageTypeExecOutputChunk   MessageType = 15
	MessageTypeExecOutputAck     MessageType = 16

	// MessageTypeShutdownAck is not present in the message type this wire
	// format was grounded on; it is added here because the protocol table
	// this module implements lists a guest->host Shutdown acknowledgement.
	// See DESIGN.md, "ShutdownAck".
	MessageTypeShutdownAck MessageType = 17
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeExecRequest:
		return "ExecRequest"
	case MessageTypeExecResponse:
		return "ExecResponse"
	case MessageTypePing:
		return "Ping"
	case MessageTypePong:
		return "Pong"
	case MessageTypeShutdown:
		return "Shutdown"
	case MessageTypeFileTransfer:
		return "FileTransfer"
	case MessageTypeFileTransferResponse:
		return "FileTransferResponse"
	case MessageTypeTelemetryData:
		return "TelemetryData"
	case MessageTypeTelemetryAck:
		return "TelemetryAck"
	case MessageTypeSubscribeTelemetry:
		return "SubscribeTelemetry"
	case MessageTypeWriteFile:
		return "WriteFile"
	case MessageTypeWriteFileResponse:
		return "WriteFileResponse"
	case MessageTypeMkdirP:
		return "MkdirP"
	case MessageTypeMkdirPResponse:
		return "MkdirPResponse"
	case MessageTypeExecOutputChunk:
		return "ExecOutputChunk"
	case MessageTypeExecOutputAck:
		return "ExecOutputAck"
	case MessageTypeShutdownAck:
		return "ShutdownAck"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

func messageTypeFromByte(b byte) (MessageType, error) {
	switch MessageType(b) {
	case MessageTypeExecRequest, MessageTypeExecResponse, MessageTypePing, MessageTypePong,
		MessageTypeShutdown, MessageTypeFileTransfer, MessageTypeFileTransferResponse,
		MessageTypeTelemetryData, MessageTypeTelemetryAck, MessageTypeSubscribeTelemetry,
		MessageTypeWriteFile, MessageTypeWriteFileResponse, MessageTypeMkdirP, MessageTypeMkdirPResponse,
		MessageTypeExecOutputChunk, MessageTypeExecOutputAck, MessageTypeShutdownAck:
		return MessageType(b), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownMessageType, b)
	}
}

var (
	// ErrUnknownMessageType is returned when a frame's type byte does not
	// map to a known MessageType.
	ErrUnknownMessageType = errors.New("wireproto: unknown message type")
	// ErrMessageTooLarge is returned when a frame's declared length
	// exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("wireproto: message exceeds MaxMessageSize")
)

// Message is a single framed protocol message: a type tag plus an opaque
// JSON payload.
type Message struct {
	Type    MessageType
	Payload []byte
}

// NewMessage JSON-encodes v and wraps it as a Message of the given type. v
// may be nil for payload-less message types (Ping, Pong, Shutdown, ...).
func NewMessage(t MessageType, v any) (Message, error) {
	if v == nil {
		return Message{Type: t}, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: payload}, nil
}

// NewRawMessage wraps payload as-is, without JSON encoding. Used for the
// Ping/Pong handshake, whose payload is a fixed-layout secret+version blob
// rather than a JSON document.
func NewRawMessage(t MessageType, payload []byte) Message {
	return Message{Type: t, Payload: payload}
}

// Decode JSON-decodes the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Serialize encodes the message as header+payload.
func (m Message) Serialize() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(m.Payload)))
	buf[4] = byte(m.Type)
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// WriteMessage writes a framed message to w.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	_, err := w.Write(m.Serialize())
	return err
}

// ReadMessage reads one complete framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	if length > MaxMessageSize {
		return Message{}, fmt.Errorf("%w: declared length %d", ErrMessageTooLarge, length)
	}
	msgType, err := messageTypeFromByte(header[4])
	if err != nil {
		return Message{}, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("read %s payload: %w", msgType, err)
		}
	}
	return Message{Type: msgType, Payload: payload}, nil
}

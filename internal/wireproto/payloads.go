package wireproto

import (
	"encoding/binary"
	"fmt"
)

// EncodePingPayload builds the fixed-layout Ping payload: the 32-byte
// session secret followed by the sender's little-endian protocol version.
func EncodePingPayload(secret [SecretLength]byte, version uint32) []byte {
	buf := make([]byte, PingPayloadLength)
	copy(buf, secret[:])
	binary.LittleEndian.PutUint32(buf[SecretLength:], version)
	return buf
}

// DecodePingPayload parses a Ping payload. Legacy peers send only the
// 32-byte secret with no version suffix, in which case version is reported
// as 0.
func DecodePingPayload(payload []byte) (secret [SecretLength]byte, version uint32, err error) {
	if len(payload) < SecretLength {
		return secret, 0, fmt.Errorf("wireproto: ping payload too short: %d bytes", len(payload))
	}
	copy(secret[:], payload[:SecretLength])
	if len(payload) >= PingPayloadLength {
		version = binary.LittleEndian.Uint32(payload[SecretLength:PingPayloadLength])
	}
	return secret, version, nil
}

// EncodeVersionPayload builds the 4-byte little-endian protocol-version
// payload carried by Pong.
func EncodeVersionPayload(version uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, version)
	return buf
}

// DecodeVersionPayload parses a Pong's version payload. An empty payload
// (legacy peer) reports version 0.
func DecodeVersionPayload(payload []byte) uint32 {
	if len(payload) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(payload[:4])
}

// ExecRequest asks the guest agent to run a program. Env is a map rather
// than the ordered-pairs representation used upstream: order is not
// semantically significant for environment variables and spec.md's data
// model describes env as a string->string mapping. See DESIGN.md.
type ExecRequest struct {
	Secret     string            `json:"secret"`
	Program    string            `json:"program"`
	Args       []string          `json:"args"`
	Stdin      []byte            `json:"stdin,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	// TimeoutMs is the execution deadline in milliseconds; 0 means no
	// timeout. spec.md's protocol table uses timeout_ms, not the
	// timeout_secs field this was grounded on. See DESIGN.md.
	TimeoutMs uint64 `json:"timeout_ms,omitempty"`
}

// ExecResponse carries the terminal result of an ExecRequest.
type ExecResponse struct {
	Stdout     []byte  `json:"stdout"`
	Stderr     []byte  `json:"stderr"`
	ExitCode   int32   `json:"exit_code"`
	Error      *string `json:"error,omitempty"`
	DurationMs *uint64 `json:"duration_ms,omitempty"`
}

// ExecOutputChunk carries one slice of stdout or stderr produced between an
// ExecRequest and its ExecResponse.
type ExecOutputChunk struct {
	Stream ExecStream `json:"stream"`
	Data   []byte     `json:"data"`
	Seq    uint64     `json:"seq"`
}

// ExecStream identifies which output stream a chunk belongs to.
type ExecStream string

const (
	ExecStreamStdout ExecStream = "stdout"
	ExecStreamStderr ExecStream = "stderr"
)

// WriteFileRequest asks the guest agent to write content to path atomically,
// creating parent directories when CreateParents is set.
type WriteFileRequest struct {
	Secret        string `json:"secret"`
	Path          string `json:"path"`
	Content       []byte `json:"content"`
	CreateParents bool   `json:"create_parents"`
}

// WriteFileResponse reports the outcome of a WriteFileRequest.
type WriteFileResponse struct {
	Success bool    `json:"success"`
	Error   *string `json:"error,omitempty"`
}

// MkdirPRequest asks the guest agent to create a directory tree.
type MkdirPRequest struct {
	Secret string `json:"secret"`
	Path   string `json:"path"`
}

// MkdirPResponse reports the outcome of a MkdirPRequest.
type MkdirPResponse struct {
	Success bool    `json:"success"`
	Error   *string `json:"error,omitempty"`
}

// StringPtr is a small helper for the optional Error fields of
// ExecResponse, WriteFileResponse and MkdirPResponse.
func StringPtr(s string) *string { return &s }

// Uint64Ptr is a small helper for the ExecResponse.DurationMs optional field.
func Uint64Ptr(v uint64) *uint64 { return &v }

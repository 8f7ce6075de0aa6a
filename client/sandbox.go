package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/the-void-ia/void-box/internal/hosttools"
	"github.com/the-void-ia/void-box/internal/imagemgr"
	"github.com/the-void-ia/void-box/internal/ociroot"
	"github.com/the-void-ia/void-box/internal/paths"
	"github.com/the-void-ia/void-box/internal/vmm"
	"github.com/the-void-ia/void-box/internal/wireproto"
)

const defaultLaunchTimeout = 20 * time.Second

// Sandbox is one running micro-VM plus its authenticated vsock session: the
// public handle described by spec.md §4.2/§6.3. Construct with Create;
// always Terminate it, directly or deferred, so the VM's vCPU threads,
// devices, and guest memory are released on every exit path.
type Sandbox struct {
	ID string

	vm     *vmm.VM
	conn   net.Conn
	secret [wireproto.SecretLength]byte
	logger *log.Logger

	mu         sync.Mutex // serializes request/response pairs on conn
	terminated bool
}

// Create resolves cfg (defaults plus Options), materializes an OCI rootfs
// if ImageRef was given, boots a micro-VM, and performs the vsock
// handshake. On any failure along the way it tears down whatever was
// already started before returning.
func Create(ctx context.Context, opts ...Option) (*Sandbox, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := newClientLogger().With("sandbox_id", "")

	if cfg.ImageRef != "" {
		rootfsPath, err := resolveImageRootfs(ctx, cfg.ImageRef)
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("resolve image %q", cfg.ImageRef), Err: err}
		}
		cfg.OCIRootfsDevPath = rootfsPath
	}

	vmCfg := cfg.toVMMConfig()
	if err := vmCfg.Validate(); err != nil {
		return nil, &ConfigError{Reason: "invalid sandbox configuration", Err: err}
	}

	launchTimeout := cfg.LaunchTimeout
	if launchTimeout <= 0 {
		launchTimeout = defaultLaunchTimeout
	}

	vm, err := vmm.Boot(vmCfg)
	if err != nil {
		return nil, &BootError{Stage: "vmm.Boot", Err: err}
	}

	var secret [wireproto.SecretLength]byte
	decoded, decErr := hex.DecodeString(vm.SessionSecret())
	if decErr != nil || len(decoded) != wireproto.SecretLength {
		vm.Stop()
		return nil, &ConfigError{Reason: "session secret must decode to 32 bytes", Err: decErr}
	}
	copy(secret[:], decoded)

	id := newSandboxID()
	sbLogger := logger.With("sandbox_id", id)

	hctx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	conn, err := handshake(hctx, vm, secret)
	if err != nil {
		serial := vm.SerialOutput()
		vm.Stop()
		if status, ok := extractOCIRootfsStatus(serial); ok {
			return nil, &OciRootfsError{Status: ociroot.Status(status), Err: err}
		}
		return nil, err // already a *HandshakeError
	}

	sbLogger.Debug("sandbox ready")
	return &Sandbox{
		ID:     id,
		vm:     vm,
		conn:   conn,
		secret: secret,
		logger: sbLogger,
	}, nil
}

// resolveImageRootfs looks ref up in internal/imagemgr's content-hash-keyed
// cache of already-unpacked rootfs images. It never reaches out to a
// registry itself: Create is handed "a digest reference to something
// already materialized," matching the unpacked-rootfs-in, no-registry-client
// boundary the sandbox core sits behind. Callers populate the cache ahead
// of time with `voidbox image pull` (or Import, for a local tar), which are
// the only places internal/imagemgr's registry puller runs.
func resolveImageRootfs(ctx context.Context, ref string) (string, error) {
	cacheDir, err := paths.ImageCacheDir()
	if err != nil {
		return "", err
	}
	dbPath, err := paths.ImageMetadataDBPath()
	if err != nil {
		return "", err
	}
	mkfsBinary, err := hosttools.ResolveE2FSProgsBinary("mkfs.ext4")
	if err != nil {
		return "", err
	}

	mgr, err := imagemgr.New(imagemgr.Options{
		CacheDir:       cacheDir,
		MetadataDBPath: dbPath,
		MkfsBinary:     mkfsBinary,
	})
	if err != nil {
		return "", err
	}

	record, found, err := mgr.Lookup(ctx, ref)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("image %q is not in the local cache; run `voidbox image pull %s` first", ref, ref)
	}
	return record.RootFSPath, nil
}

// handshake implements spec.md §4.2's connect/Ping/Pong sequence: dial
// (vsockconn.Dial already retries with bounded backoff internally until
// ctx is done), send Ping, wait for Pong within 5s, and on any Ping/Pong
// failure close the connection and dial again, until ctx's deadline.
func handshake(ctx context.Context, vm *vmm.VM, secret [wireproto.SecretLength]byte) (net.Conn, error) {
	attempts := 0
	var lastErr error
	for {
		attempts++
		conn, err := vm.Dial(ctx)
		if err != nil {
			if lastErr != nil {
				return nil, &HandshakeError{Attempts: attempts, Err: fmt.Errorf("%w (previous attempt: %v)", err, lastErr)}
			}
			return nil, &HandshakeError{Attempts: attempts, Err: err}
		}

		if err := pingPong(conn, secret); err != nil {
			conn.Close()
			lastErr = err
			select {
			case <-ctx.Done():
				return nil, &HandshakeError{Attempts: attempts, Err: lastErr}
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		return conn, nil
	}
}

func pingPong(conn net.Conn, secret [wireproto.SecretLength]byte) error {
	ping := wireproto.NewRawMessage(wireproto.MessageTypePing, wireproto.EncodePingPayload(secret, wireproto.ProtocolVersion))
	if err := wireproto.WriteMessage(conn, ping); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("set ping read deadline: %w", err)
	}
	msg, err := wireproto.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if msg.Type != wireproto.MessageTypePong {
		return fmt.Errorf("expected pong, got %s", msg.Type)
	}
	return conn.SetReadDeadline(time.Time{})
}

// Terminate requests a cooperative shutdown, waits briefly for the guest's
// ack, then force-stops the VM regardless of whether the ack arrived. Safe
// to call more than once.
func (s *Sandbox) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return nil
	}
	s.terminated = true

	if s.conn != nil {
		_ = wireproto.WriteMessage(s.conn, wireproto.Message{Type: wireproto.MessageTypeShutdown})
		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _ = wireproto.ReadMessage(s.conn) // best-effort ShutdownAck drain
		_ = s.conn.Close()
	}
	s.vm.Stop()
	s.logger.Debug("sandbox terminated")
	return nil
}

// doRequest sends req on the session connection and returns the first
// non-chunk response. onChunk, when non-nil, is invoked for every
// ExecOutputChunk observed while waiting -- used only by exec, since no
// other request type streams chunks.
func (s *Sandbox) doRequest(req wireproto.Message, onChunk func(wireproto.ExecOutputChunk)) (wireproto.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return wireproto.Message{}, fmt.Errorf("voidbox: sandbox already terminated")
	}

	if err := wireproto.WriteMessage(s.conn, req); err != nil {
		return wireproto.Message{}, &ProtocolError{Err: fmt.Errorf("write %s: %w", req.Type, err)}
	}

	for {
		msg, err := wireproto.ReadMessage(s.conn)
		if err != nil {
			return wireproto.Message{}, &ProtocolError{Err: fmt.Errorf("read response to %s: %w", req.Type, err)}
		}
		if msg.Type == wireproto.MessageTypeExecOutputChunk {
			if onChunk != nil {
				var chunk wireproto.ExecOutputChunk
				if decErr := msg.Decode(&chunk); decErr == nil {
					onChunk(chunk)
				}
			}
			continue
		}
		return msg, nil
	}
}

// newClientLogger matches internal/cli's newLogger idiom, minus the
// --log-level flag this package has no CLI surface to expose: the level
// comes from VOIDBOX_LOG_LEVEL, defaulting to info.
func newClientLogger() *log.Logger {
	levelName := strings.TrimSpace(strings.ToLower(os.Getenv("VOIDBOX_LOG_LEVEL")))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", "client")
}

// extractOCIRootfsStatus scans the guest's emulated-serial output for the
// status kmsg() in cmd/voidbox-guest-agent/main.go logs when OCI rootfs
// setup fails, letting Create report a precise OciRootfsError instead of a
// bare HandshakeError when that is why the guest never reached its vsock
// listener.
func extractOCIRootfsStatus(serial []byte) (string, bool) {
	const marker = `OCI rootfs setup ended in status "`
	text := string(serial)
	idx := strings.LastIndex(text, marker)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

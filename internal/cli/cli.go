// Package cli implements the voidbox command-line entrypoint: policy
// validation, runtime config management, image reference maintenance,
// environment diagnostics, and running a command inside a sandbox.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/the-void-ia/void-box/client"
	"github.com/the-void-ia/void-box/internal/hosttools"
	"github.com/the-void-ia/void-box/internal/policy"
	"github.com/the-void-ia/void-box/internal/runtimeconfig"
)

type runtimeContext struct {
	CWD        string
	Stdout     *os.File
	Loader     policy.Loader
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	Policy ConfigPolicyCommand `cmd:"" help:"Policy commands"`
	Config ConfigCommand       `cmd:"" help:"Runtime config commands"`
	Image  ImageCommand        `cmd:"" help:"Sandbox image reference commands"`
	Exec   ExecCommand         `cmd:"" help:"Run a command inside a sandbox"`
	Doctor DoctorCommand       `cmd:"" help:"Run environment diagnostics"`
}

type ConfigPolicyCommand struct {
	Validate PolicyValidateCommand `cmd:"" help:"Validate policy configuration"`
}

type PolicyValidateCommand struct {
	Chdir string `short:"c" help:"Change to this directory before running commands"`
	JSON  bool   `help:"Print compiled policy as JSON"`
}

type ConfigCommand struct {
	Init ConfigInitCommand `cmd:"" help:"Write the default runtime config file"`
}

type ImageCommand struct {
	BumpRef ImageBumpRefCommand `cmd:"" name:"bump-ref" help:"Resolve an image reference to a digest and update policy"`
	Pull    ImagePullCommand    `cmd:"" help:"Pull and cache an OCI image by digest reference"`
}

type ExecCommand struct {
	Chdir    string `short:"c" help:"Change to this directory before running commands"`
	LogLevel string `help:"Client log level (debug|info|warn|error)"`

	ImageRef          string `help:"Digest-pinned OCI image reference (overrides policy's sandbox.image.ref)"`
	ReadOnlyWorkspace bool   `help:"Mount workspace read-only for this run"`
	LaunchSeconds     int64  `help:"VM boot/guest-agent readiness timeout in seconds"`

	Command []string `arg:"" passthrough:"" required:"" help:"Command to execute"`
}

type DoctorCommand struct {
	Chdir string `short:"c" help:"Change to this directory before running commands"`
	JSON  bool   `help:"Print doctor report as JSON"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Loader:     policy.Loader{},
		Config:     cfg,
		ConfigPath: cfgPath,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("voidbox"),
		kong.Description("voidbox micro-VM sandbox CLI"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	runtimeCtx.CWD = cwd

	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (c *PolicyValidateCommand) Run(ctx *runtimeContext) error {
	cwd, err := resolveCWD(ctx.CWD, c.Chdir)
	if err != nil {
		return err
	}
	compiled, source, err := ctx.Loader.LoadAndCompile(cwd)
	if err != nil {
		return err
	}

	if c.JSON {
		payload := map[string]any{
			"source": source,
			"policy": compiled,
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	_, err = fmt.Fprintf(ctx.Stdout, "policy valid: %s\npolicy hash: %s\n", source, compiled.Hash)
	return err
}

func (e *ExecCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(e.LogLevel, "exec")
	if err != nil {
		return err
	}

	cwd, err := resolveCWD(ctx.CWD, e.Chdir)
	if err != nil {
		return err
	}

	compiled, source, err := ctx.Loader.LoadAndCompile(cwd)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	imageRef := e.ImageRef
	if imageRef == "" {
		imageRef = compiled.ImageRef
	}

	logger.Debug("starting sandbox",
		"policy_source", source,
		"policy_hash", compiled.Hash,
		"image_ref", imageRef,
		"command_argc", len(e.Command),
	)

	opts := []client.Option{
		client.WithImageRef(imageRef),
		client.WithNetwork(compiled.NetworkDefault != "deny" || len(compiled.Allow) > 0),
		client.WithMount("workspace", cwd, "/workspace", e.ReadOnlyWorkspace),
		client.WithSecurity(client.SecurityConfig{
			CommandAllowlist: compiled.ExecAllow,
			NetworkDenyCIDRs: compiled.Deny,
			ResourceLimits:   client.DefaultSecurityConfig().ResourceLimits,
			EnableSeccomp:    true,
		}),
	}
	if e.LaunchSeconds > 0 {
		opts = append(opts, client.WithLaunchTimeout(time.Duration(e.LaunchSeconds)*time.Second))
	}

	sandbox, err := client.Create(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	defer func() {
		if terr := sandbox.Terminate(); terr != nil {
			logger.Warn("terminate sandbox failed", "error", terr)
		}
	}()

	logger.Debug("sandbox ready, executing", "sandbox_id", sandbox.ID)

	program := e.Command[0]
	args := append([]string(nil), e.Command[1:]...)

	result, err := sandbox.ExecStreaming(context.Background(), program, args, client.ExecOptions{}, func(chunk client.StreamChunk) {
		switch chunk.Stream {
		case "stdout":
			_, _ = ctx.Stdout.Write(chunk.Data)
		case "stderr":
			_, _ = os.Stderr.Write(chunk.Data)
		}
	})
	if err != nil {
		return fmt.Errorf("execute %q: %w", program, err)
	}

	logger.Debug("execution complete", "sandbox_id", sandbox.ID, "exit_code", result.ExitCode)
	if result.ExitCode != 0 {
		return exitCodeError{code: int(result.ExitCode)}
	}
	return nil
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	cwd, err := resolveCWD(ctx.CWD, d.Chdir)
	if err != nil {
		return err
	}

	checks := []DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", ctx.ConfigPath)},
	}
	checks = append(checks, checkKVMAccess()...)
	checks = append(checks, checkVsockAccess()...)
	checks = append(checks, checkMkfsExt4())

	compiled, source, err := ctx.Loader.LoadAndCompile(cwd)
	if err != nil {
		checks = append(checks, DoctorCheck{
			Name:    "repository_policy",
			Status:  "warn",
			Message: fmt.Sprintf("policy not loaded from %s: %v", cwd, err),
		})
	} else {
		checks = append(checks, DoctorCheck{
			Name:    "repository_policy",
			Status:  "pass",
			Message: fmt.Sprintf("policy loaded from %s (hash %s)", source, compiled.Hash),
		})
	}

	if d.JSON {
		payload := map[string]any{
			"backend": "kvm",
			"checks":  checks,
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	color := shouldUseANSI(os.Stderr)
	_, err = fmt.Fprint(ctx.Stdout, renderDoctorReport("kvm", checks, color))
	return err
}

func checkKVMAccess() []DoctorCheck {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return []DoctorCheck{{Name: "dev_kvm", Status: "fail", Message: fmt.Sprintf("/dev/kvm unavailable: %v", err)}}
	}
	return []DoctorCheck{{Name: "dev_kvm", Status: "pass", Message: "/dev/kvm is accessible"}}
}

func checkVsockAccess() []DoctorCheck {
	if _, err := os.Stat("/dev/vhost-vsock"); err != nil {
		return []DoctorCheck{{Name: "vhost_vsock", Status: "warn", Message: fmt.Sprintf("/dev/vhost-vsock missing: %v", err)}}
	}
	return []DoctorCheck{{Name: "vhost_vsock", Status: "pass", Message: "/dev/vhost-vsock is accessible"}}
}

func checkMkfsExt4() DoctorCheck {
	if _, err := hosttools.ResolveE2FSProgsBinary("mkfs.ext4"); err != nil {
		return DoctorCheck{Name: "mkfs_ext4", Status: "warn", Message: err.Error()}
	}
	return DoctorCheck{Name: "mkfs_ext4", Status: "pass", Message: "mkfs.ext4 resolved"}
}

func resolveCWD(base, chdir string) (string, error) {
	if chdir == "" {
		return base, nil
	}
	if filepath.IsAbs(chdir) {
		return filepath.Clean(chdir), nil
	}
	return filepath.Join(base, chdir), nil
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	applyPolishedLoggerStyles(logger, shouldUseANSI(os.Stderr))
	return logger.With("component", component), nil
}

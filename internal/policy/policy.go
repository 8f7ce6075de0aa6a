package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/the-void-ia/void-box/internal/ociref"
	"gopkg.in/yaml.v3"
)

const (
	PrimaryPolicyPath  = "cleanroom.yaml"
	FallbackPolicyPath = ".voidbox/voidbox.yaml"
)

type Loader struct{}

type rawPolicy struct {
	Version int `yaml:"version"`
	Sandbox struct {
		Image struct {
			Ref string `yaml:"ref"`
		} `yaml:"image"`
		Exec struct {
			// Allow lists the basenames of programs the guest agent will
			// launch; anything else is rejected before exec. Matching is by
			// basename, not full path, so policy authors do not need to know
			// the guest's PATH layout.
			Allow []string `yaml:"allow"`
		} `yaml:"exec"`
		Network struct {
			Default string         `yaml:"default"`
			Allow   []rawAllowRule `yaml:"allow"`
			// Deny lists CIDRs that are rejected even when a matching Allow
			// rule would otherwise permit the destination. Link-local
			// metadata addresses are always included; see DESIGN.md.
			Deny []string `yaml:"deny"`
		} `yaml:"network"`
	} `yaml:"sandbox"`
}

type rawAllowRule struct {
	Host  string `yaml:"host"`
	Ports []int  `yaml:"ports"`
}

// defaultNetworkDenyCIDRs are always enforced regardless of what a policy
// file's sandbox.network.deny list contains, closing off the link-local
// metadata range that cloud instance-metadata services listen on.
var defaultNetworkDenyCIDRs = []string{"169.254.0.0/16"}

type CompiledPolicy struct {
	Version        int         `json:"version"`
	ImageRef       string      `json:"image_ref"`
	ImageDigest    string      `json:"image_digest"`
	ExecAllow      []string    `json:"exec_allow,omitempty"`
	NetworkDefault string      `json:"network_default"`
	Allow          []AllowRule `json:"allow"`
	Deny           []string    `json:"deny"`
	Hash           string      `json:"hash"`
}

type AllowRule struct {
	Host  string `json:"host"`
	Ports []int  `json:"ports"`
}

func (l Loader) LoadAndCompile(root string) (*CompiledPolicy, string, error) {
	raw, source, err := l.Load(root)
	if err != nil {
		return nil, "", err
	}

	compiled, err := Compile(raw)
	if err != nil {
		return nil, source, err
	}

	return compiled, source, nil
}

func (l Loader) Load(root string) (rawPolicy, string, error) {
	primary := filepath.Join(root, PrimaryPolicyPath)
	fallback := filepath.Join(root, FallbackPolicyPath)

	primaryExists, err := exists(primary)
	if err != nil {
		return rawPolicy{}, "", fmt.Errorf("check policy %s: %w", primary, err)
	}
	if primaryExists {
		p, err := readPolicy(primary)
		return p, primary, err
	}

	fallbackExists, err := exists(fallback)
	if err != nil {
		return rawPolicy{}, "", fmt.Errorf("check policy %s: %w", fallback, err)
	}
	if fallbackExists {
		p, err := readPolicy(fallback)
		return p, fallback, err
	}

	return rawPolicy{}, "", fmt.Errorf("policy not found: expected %s or %s", primary, fallback)
}

func Compile(raw rawPolicy) (*CompiledPolicy, error) {
	if raw.Version == 0 {
		return nil, errors.New("policy missing required field: version")
	}
	if raw.Version != 1 {
		return nil, fmt.Errorf("unsupported policy version %d: only version 1 is supported", raw.Version)
	}

	imageRef := strings.TrimSpace(raw.Sandbox.Image.Ref)
	if imageRef == "" {
		return nil, errors.New("policy missing required field: sandbox.image.ref")
	}
	parsedImage, err := ociref.ParseDigestReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("sandbox.image.ref: %w", err)
	}

	networkDefault := strings.TrimSpace(strings.ToLower(raw.Sandbox.Network.Default))
	if networkDefault == "" {
		networkDefault = "deny"
	}
	if networkDefault != "deny" {
		return nil, fmt.Errorf("unsupported sandbox.network.default %q: voidbox requires deny-by-default", networkDefault)
	}

	allow := make([]AllowRule, 0, len(raw.Sandbox.Network.Allow))
	for _, rule := range raw.Sandbox.Network.Allow {
		host := strings.TrimSpace(strings.ToLower(rule.Host))
		if host == "" {
			return nil, errors.New("allow rule host cannot be empty")
		}
		if len(rule.Ports) == 0 {
			return nil, fmt.Errorf("allow rule for host %q must include at least one port", host)
		}

		ports := make([]int, 0, len(rule.Ports))
		seen := map[int]struct{}{}
		for _, port := range rule.Ports {
			if port < 1 || port > 65535 {
				return nil, fmt.Errorf("allow rule for host %q contains invalid port %d", host, port)
			}
			if _, ok := seen[port]; ok {
				continue
			}
			seen[port] = struct{}{}
			ports = append(ports, port)
		}
		sort.Ints(ports)
		allow = append(allow, AllowRule{Host: host, Ports: ports})
	}

	sort.Slice(allow, func(i, j int) bool {
		return allow[i].Host < allow[j].Host
	})

	deny := append([]string(nil), defaultNetworkDenyCIDRs...)
	seenDeny := map[string]struct{}{deny[0]: {}}
	for _, cidr := range raw.Sandbox.Network.Deny {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, ok := seenDeny[cidr]; ok {
			continue
		}
		seenDeny[cidr] = struct{}{}
		deny = append(deny, cidr)
	}
	sort.Strings(deny)

	execAllow := make([]string, 0, len(raw.Sandbox.Exec.Allow))
	for _, name := range raw.Sandbox.Exec.Allow {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		execAllow = append(execAllow, name)
	}
	sort.Strings(execAllow)

	compiled := &CompiledPolicy{
		Version:        raw.Version,
		ImageRef:       parsedImage.Original,
		ImageDigest:    parsedImage.Digest(),
		ExecAllow:      execAllow,
		NetworkDefault: networkDefault,
		Allow:          allow,
		Deny:           deny,
	}

	hash, err := hashPolicy(compiled)
	if err != nil {
		return nil, err
	}
	compiled.Hash = hash

	return compiled, nil
}

func (p *CompiledPolicy) Allows(host string, port int) bool {
	host = strings.TrimSpace(strings.ToLower(host))
	for _, rule := range p.Allow {
		if rule.Host != host {
			continue
		}
		for _, candidate := range rule.Ports {
			if candidate == port {
				return true
			}
		}
	}
	return false
}

// ExecAllowed reports whether program's basename is present in the exec
// allowlist. An empty allowlist denies everything: policies must opt in
// explicitly rather than defaulting open.
func (p *CompiledPolicy) ExecAllowed(program string) bool {
	base := filepath.Base(program)
	for _, name := range p.ExecAllow {
		if name == base {
			return true
		}
	}
	return false
}

// DeniedCIDR reports whether host falls within one of the policy's deny
// CIDRs. Callers pass the resolved dotted-quad or literal address, not a
// hostname.
func (p *CompiledPolicy) DeniedCIDR(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, cidr := range p.Deny {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func readPolicy(path string) (rawPolicy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return rawPolicy{}, err
	}

	var raw rawPolicy
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return rawPolicy{}, fmt.Errorf("parse %s: %w", path, err)
	}

	return raw, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func hashPolicy(p *CompiledPolicy) (string, error) {
	clone := *p
	clone.Hash = ""

	payload, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

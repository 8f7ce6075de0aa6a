package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/the-void-ia/void-box/internal/policy"
	"gopkg.in/yaml.v3"
)

// ImageBumpRefCommand resolves an image reference (a tag, or the policy's
// current ref if Source is omitted) to its current digest and rewrites
// sandbox.image.ref in place, preserving comments and key order.
type ImageBumpRefCommand struct {
	Source string `arg:"" optional:"" help:"Image reference to resolve (defaults to the policy's current sandbox.image.ref)"`
}

// resolveReferenceForPolicyUpdate is a package var so tests can stub out
// registry access.
var resolveReferenceForPolicyUpdate = resolveDigestReference

func resolveDigestReference(ctx context.Context, source string) (string, error) {
	ref, err := name.ParseReference(source)
	if err != nil {
		return "", fmt.Errorf("parse image reference %q: %w", source, err)
	}
	desc, err := remote.Get(ref, remote.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("resolve digest for %q: %w", source, err)
	}
	return ref.Context().Name() + "@" + desc.Digest.String(), nil
}

func (c *ImageBumpRefCommand) Run(ctx *runtimeContext) error {
	path, raw, err := readPolicyFile(ctx.CWD)
	if err != nil {
		return err
	}

	source := c.Source
	if source == "" {
		var current rawImageRef
		if err := yaml.Unmarshal(raw, &current); err == nil {
			source = current.Sandbox.Image.Ref
		}
	}

	digestRef, err := resolveReferenceForPolicyUpdate(context.Background(), source)
	if err != nil {
		return err
	}

	updated, err := setSandboxImageRef(raw, digestRef)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, updated, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	_, err = fmt.Fprintf(ctx.Stdout, "updated sandbox.image.ref to %s in %s\n", digestRef, path)
	return err
}

type rawImageRef struct {
	Sandbox struct {
		Image struct {
			Ref string `yaml:"ref"`
		} `yaml:"image"`
	} `yaml:"sandbox"`
}

// readPolicyFile loads the on-disk policy source, trying the primary path
// and falling back to the legacy location, matching policy.Loader.Load.
func readPolicyFile(root string) (string, []byte, error) {
	primary := filepath.Join(root, policy.PrimaryPolicyPath)
	if raw, err := os.ReadFile(primary); err == nil {
		return primary, raw, nil
	} else if !os.IsNotExist(err) {
		return "", nil, fmt.Errorf("read %s: %w", primary, err)
	}

	fallback := filepath.Join(root, policy.FallbackPolicyPath)
	raw, err := os.ReadFile(fallback)
	if err != nil {
		return "", nil, fmt.Errorf("read policy: expected %s or %s", primary, fallback)
	}
	return fallback, raw, nil
}

// setSandboxImageRef rewrites sandbox.image.ref to digestRef via yaml.v3's
// Node API, so comments, key order, and unrelated fields survive untouched.
func setSandboxImageRef(raw []byte, digestRef string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("policy yaml is empty")
	}
	root := doc.Content[0]

	sandbox := mappingValue(root, "sandbox")
	if sandbox == nil {
		sandbox = appendMappingKey(root, "sandbox")
	}
	image := mappingValue(sandbox, "image")
	if image == nil {
		image = appendMappingKey(sandbox, "image")
	}
	refNode := mappingValue(image, "ref")
	if refNode == nil {
		appendMappingPair(image, "ref", digestRef)
	} else {
		refNode.Value = digestRef
		refNode.Tag = "!!str"
	}

	var out strings.Builder
	enc := yaml.NewEncoder(&out)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode policy yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(out.String()), nil
}

// mappingValue returns the value node for key in a !!map node, or nil.
func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// appendMappingKey adds key: {} to mapping and returns the new empty
// mapping node.
func appendMappingKey(mapping *yaml.Node, key string) *yaml.Node {
	valueNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	appendMappingNodes(mapping, key, valueNode)
	return valueNode
}

func appendMappingPair(mapping *yaml.Node, key, value string) {
	appendMappingNodes(mapping, key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
}

func appendMappingNodes(mapping *yaml.Node, key string, valueNode *yaml.Node) {
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	mapping.Content = append(mapping.Content, keyNode, valueNode)
}

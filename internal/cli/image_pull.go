package cli

import (
	"context"
	"fmt"

	"github.com/the-void-ia/void-box/internal/hosttools"
	"github.com/the-void-ia/void-box/internal/imagemgr"
	"github.com/the-void-ia/void-box/internal/paths"
)

// ImagePullCommand fetches ref from its registry, unpacks it, and caches
// the resulting ext4 rootfs keyed by content digest. This is the only place
// a registry is ever contacted: `voidbox exec` and client.Create only ever
// look an already-cached digest up, never pull one themselves.
type ImagePullCommand struct {
	Ref string `arg:"" help:"Digest-pinned OCI image reference to pull (e.g. ghcr.io/org/image@sha256:...)"`
}

func (c *ImagePullCommand) Run(ctx *runtimeContext) error {
	mgr, err := newImageManagerFunc()
	if err != nil {
		return err
	}

	result, err := mgr.Pull(context.Background(), c.Ref)
	if err != nil {
		return fmt.Errorf("pull %q: %w", c.Ref, err)
	}

	status := "cached"
	if !result.CacheHit {
		status = "pulled"
	}
	_, err = fmt.Fprintf(ctx.Stdout, "%s image %s (%s) -> %s\n", status, result.Record.Digest, c.Ref, result.Record.RootFSPath)
	return err
}

// newImageManagerFunc is a package var so tests can stub out the cache
// directory, metadata database, and registry puller without touching the
// host filesystem or network.
var newImageManagerFunc = newImageManager

// newImageManager builds the imagemgr.Manager used by every image
// subcommand, resolving the cache directory, metadata database, and
// mkfs.ext4 binary the way client.resolveImageRootfs does.
func newImageManager() (*imagemgr.Manager, error) {
	cacheDir, err := paths.ImageCacheDir()
	if err != nil {
		return nil, err
	}
	dbPath, err := paths.ImageMetadataDBPath()
	if err != nil {
		return nil, err
	}
	mkfsBinary, err := hosttools.ResolveE2FSProgsBinary("mkfs.ext4")
	if err != nil {
		return nil, err
	}
	return imagemgr.New(imagemgr.Options{
		CacheDir:       cacheDir,
		MetadataDBPath: dbPath,
		MkfsBinary:     mkfsBinary,
	})
}

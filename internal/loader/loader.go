// Package loader bridges the core squash engine to an external container
// CLI (docker, podman, ...) for the operations the core itself must not
// depend on: exporting a live image reference to an archive, and
// importing a squashed archive back into the registry under a caller-
// chosen tag.
package loader

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"github.com/squashtool/squash/internal/squasherr"
)

// Bridge invokes an external container CLI to move image archives in and
// out of the local registry. The zero value is not usable; construct one
// with New.
type Bridge struct {
	// CLI is the container CLI binary name, e.g. "docker" or "podman".
	CLI    string
	Logger *slog.Logger
}

// New returns a Bridge that shells out to cli (defaulting to "docker" if
// empty) and logs to logger (or a discard logger if nil).
func New(cli string, logger *slog.Logger) *Bridge {
	if cli == "" {
		cli = "docker"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	return &Bridge{CLI: cli, Logger: logger}
}

// SaveToFile exports the image reference ref to an archive at outputPath
// via the external CLI's "save" subcommand.
func (b *Bridge) SaveToFile(ctx context.Context, ref, outputPath string) error {
	if err := b.run(ctx, "save", "-o", outputPath, ref); err != nil {
		return err
	}
	return nil
}

// LoadIntoRegistry imports the archive at archivePath, which the CLI
// tags as loadedRef (the reference embedded in the archive's own
// manifest, e.g. its first RepoTags entry), and re-tags the result as
// name. A freshly generated, unique temporary tag sits between the two
// so an overlapping RepoTags entry in the archive never clobbers an
// existing image already published under name. The temporary tag is
// dropped once the final tag exists.
func (b *Bridge) LoadIntoRegistry(ctx context.Context, archivePath, loadedRef, name string) error {
	tempTag := "squash-tmp-" + uuid.NewString()[:8]

	if err := b.run(ctx, "load", "-i", archivePath); err != nil {
		return err
	}
	if err := b.run(ctx, "tag", loadedRef, tempTag); err != nil {
		return err
	}
	if err := b.run(ctx, "tag", tempTag, name); err != nil {
		return err
	}
	if err := b.run(ctx, "rmi", tempTag); err != nil {
		b.Logger.Warn("failed to remove temporary import tag", "tag", tempTag, "error", err)
	}
	return nil
}

// run invokes the CLI with args, surfacing any failure as squasherr.Docker
// carrying the captured stderr.
func (b *Bridge) run(ctx context.Context, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.CLI, args...)
	cmd.Stderr = &stderr

	b.Logger.Debug("invoking container CLI", "cli", b.CLI, "args", args)
	if err := cmd.Run(); err != nil {
		return squasherr.Docker(err, "%s %v: %s", b.CLI, args, stderr.String())
	}
	return nil
}

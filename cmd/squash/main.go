// Command squash merges a contiguous tail of layers in an OCI/Docker v1
// image archive into one equivalent layer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/squashtool/squash/internal/configrewrite"
	"github.com/squashtool/squash/internal/imagearchive"
	"github.com/squashtool/squash/internal/loader"
	"github.com/squashtool/squash/internal/merge"
	"github.com/squashtool/squash/internal/squasherr"
)

type squashCmd struct {
	logger *slog.Logger
}

func (c *squashCmd) Main() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	source := fs.String("source", "", "source image: name:tag (registry reference) or an archive file path")
	output := fs.String("output", "", "write the squashed archive to this path")
	load := fs.String("load", "", "import the squashed archive into the registry under this name:tag")
	tempDir := fs.String("temp-dir", "", "override the default staging root (defaults to the OS temp directory)")
	layersFlag := fs.String("layers", "", "number of tail layers to merge, or a digest prefix (>=8 hex characters)")
	verbose := fs.Bool("verbose", false, "emit progress lines")
	containerCLI := fs.String("container-cli", "docker", "external container CLI binary to invoke for --source/--load against a live registry")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	if *source == "" {
		return errors.New("--source is required")
	}
	if (*output == "") == (*load == "") {
		return errors.New("exactly one of --output or --load must be provided")
	}
	if *layersFlag == "" {
		return errors.New("--layers is required")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	workDir := *tempDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "squash-work-*")
		if err != nil {
			return fmt.Errorf("create working directory: %w", err)
		}
		defer os.RemoveAll(dir)
		workDir = dir
	} else if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create working directory %s: %w", workDir, err)
	}

	archivePath, cleanupSource, err := c.resolveSourceArchive(*source, workDir, *containerCLI)
	if err != nil {
		return err
	}
	defer cleanupSource()

	return c.run(archivePath, workDir, *layersFlag, *output, *load, *containerCLI, *verbose)
}

// resolveSourceArchive returns a local archive path for source, exporting
// it via the external container CLI first if source looks like a live
// registry reference rather than an existing file.
func (c *squashCmd) resolveSourceArchive(source, workDir, containerCLI string) (string, func(), error) {
	if _, err := os.Stat(source); err == nil {
		return source, func() {}, nil
	}

	if !strings.Contains(source, ":") {
		return "", nil, fmt.Errorf("--source %q is neither an existing file nor a name:tag reference", source)
	}

	exported := filepath.Join(workDir, "source-export.tar")
	bridge := loader.New(containerCLI, c.logger)
	if err := bridge.SaveToFile(context.Background(), source, exported); err != nil {
		return "", nil, err
	}
	return exported, func() { os.Remove(exported) }, nil
}

func (c *squashCmd) run(archivePath, workDir, layersFlag, output, load, containerCLI string, verbose bool) error {
	reader := imagearchive.NewReader(c.logger)
	manifest, config, layers, stage, err := reader.Read(archivePath, workDir)
	if err != nil {
		return err
	}
	defer stage.Close()

	engine := merge.NewEngine(workDir, c.logger)
	engine.Verbose = verbose

	merged, k, err := mergeSpec(engine, layers, layersFlag)
	if err != nil {
		return err
	}

	if err := configrewrite.Rewrite(manifest, config, k, merged, time.Now()); err != nil {
		return err
	}

	finalLayers := make([]imagearchive.LayerInfo, 0, len(layers)-k+1)
	finalLayers = append(finalLayers, layers[:len(layers)-k]...)
	finalLayers = append(finalLayers, merged)

	if output != "" {
		return imagearchive.Write(output, manifest, config, finalLayers)
	}

	outPath := filepath.Join(workDir, "squashed-output.tar")
	if err := imagearchive.Write(outPath, manifest, config, finalLayers); err != nil {
		return err
	}
	defer os.Remove(outPath)

	loadedRef := load
	if len(manifest.RepoTags) > 0 {
		loadedRef = manifest.RepoTags[0]
	}
	bridge := loader.New(containerCLI, c.logger)
	return bridge.LoadIntoRegistry(context.Background(), outPath, loadedRef, load)
}

// mergeSpec dispatches --layers to MergeLatest or MergeFrom depending on
// whether it parses as a positive integer or looks like a digest prefix.
func mergeSpec(engine *merge.Engine, layers []imagearchive.LayerInfo, layersFlag string) (imagearchive.LayerInfo, int, error) {
	if n, err := strconv.Atoi(layersFlag); err == nil {
		return engine.MergeLatest(layers, n)
	}
	prefix := strings.TrimPrefix(layersFlag, "sha256:")
	if len(prefix) < 8 || !isHexish(prefix) {
		return imagearchive.LayerInfo{}, 0, squasherr.Invalid("--layers %q is neither a positive integer nor a digest prefix of at least 8 hex characters", layersFlag)
	}
	return engine.MergeFrom(layers, prefix)
}

func isHexish(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func main() {
	cmd := &squashCmd{}
	if err := cmd.Main(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

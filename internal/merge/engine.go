// Package merge implements the layer-merge engine: replaying a tail of
// layer tarballs into a virtual filesystem, honoring the OCI whiteout
// protocol, and emitting one equivalent tar plus its diff-id.
package merge

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/squashtool/squash/internal/imagearchive"
	"github.com/squashtool/squash/internal/squasherr"
	"github.com/squashtool/squash/internal/tario"
	"github.com/squashtool/squash/internal/vfsentry"
)

// MaxMemoryFileSize is the largest layer-entry body this engine buffers in
// memory before spilling it to a file in the working directory.
const MaxMemoryFileSize = 1 << 20 // 1 MiB

// Engine replays a selected tail of layers into a virtual filesystem and
// emits a single merged tar. One Engine instance exclusively owns its
// working directory.
type Engine struct {
	WorkDir string
	Logger  *slog.Logger
	Verbose bool
}

// NewEngine returns an Engine whose working directory is workDir. Callers
// own workDir's lifecycle; the engine only ever writes into it.
func NewEngine(workDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	return &Engine{WorkDir: workDir, Logger: logger}
}

// MergeLatest merges the last n layers of layers, 1 <= n <= len(layers),
// and reports n back alongside the merged result so callers can rewrite
// the config/manifest without re-deriving how many layers were merged.
func (e *Engine) MergeLatest(layers []imagearchive.LayerInfo, n int) (imagearchive.LayerInfo, int, error) {
	if n < 1 || n > len(layers) {
		return imagearchive.LayerInfo{}, 0, squasherr.Invalid("--layers %d is out of range: archive has %d layers", n, len(layers))
	}
	merged, err := e.mergeTail(layers, len(layers)-n)
	return merged, n, err
}

// MergeFrom merges every layer from the earliest one whose digest starts
// with prefix (at least 8 characters) through the end of layers, and
// reports how many layers that was.
func (e *Engine) MergeFrom(layers []imagearchive.LayerInfo, prefix string) (imagearchive.LayerInfo, int, error) {
	if len(prefix) < 8 {
		return imagearchive.LayerInfo{}, 0, squasherr.Invalid("digest prefix %q must be at least 8 characters", prefix)
	}

	matches := make([]int, 0, 1)
	for i, l := range layers {
		if strings.HasPrefix(l.Digest.Encoded(), prefix) || strings.HasPrefix(l.Digest.String(), prefix) {
			matches = append(matches, i)
		}
	}
	if len(matches) == 0 {
		return imagearchive.LayerInfo{}, 0, squasherr.NotFound("no layer digest matches prefix %q", prefix)
	}
	if len(matches) > 1 {
		e.Logger.Warn("digest prefix matches multiple layers; using the earliest", "prefix", prefix, "matches", len(matches))
	}

	merged, err := e.mergeTail(layers, matches[0])
	return merged, len(layers) - matches[0], err
}

// mergeTail replays layers[startIndex:] in order and emits the merged
// result as a new LayerInfo.
func (e *Engine) mergeTail(layers []imagearchive.LayerInfo, startIndex int) (imagearchive.LayerInfo, error) {
	selected := layers[startIndex:]

	vfs := map[string]vfsentry.Entry{}

	var bar *progressbar.ProgressBar
	if e.Verbose {
		var total int64
		for _, l := range selected {
			total += l.Size
		}
		bar = progressbar.DefaultBytes(total, "replaying layers")
	}

	spillCount := 0
	for _, layer := range selected {
		if err := e.replayLayer(layer, vfs, &spillCount, bar); err != nil {
			return imagearchive.LayerInfo{}, err
		}
	}

	mergedPath, err := e.emit(vfs)
	if err != nil {
		return imagearchive.LayerInfo{}, err
	}

	d, size, err := digestFile(mergedPath)
	if err != nil {
		os.Remove(mergedPath)
		return imagearchive.LayerInfo{}, err
	}

	return imagearchive.LayerInfo{Digest: d, Size: size, TarPath: mergedPath}, nil
}

// replayLayer applies one layer tar's entries onto vfs per the whiteout
// protocol.
func (e *Engine) replayLayer(layer imagearchive.LayerInfo, vfs map[string]vfsentry.Entry, spillCount *int, bar *progressbar.ProgressBar) error {
	f, err := os.Open(layer.TarPath)
	if err != nil {
		return squasherr.IO(err, "open layer %s", layer.TarPath)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return squasherr.IO(err, "read layer %s", layer.TarPath)
		}

		normalized, safe := normalizePath(hdr.Name)
		if !safe {
			e.Logger.Warn("skipping unsafe entry path", "layer", layer.Digest.String(), "path", hdr.Name)
			continue
		}

		base := path.Base(normalized)

		switch {
		case base == ".wh..wh..opq":
			applyOpaqueWhiteout(vfs, path.Dir(normalized))
		case strings.HasPrefix(base, ".wh."):
			target := path.Join(path.Dir(normalized), strings.TrimPrefix(base, ".wh."))
			vfs[target] = vfsentry.Tombstone()
		default:
			entry, err := e.readEntry(hdr, normalized, tr, spillCount)
			if err != nil {
				return err
			}
			if entry == nil {
				continue // unsupported type flag, dropped silently (device/fifo handled, xglobal skipped)
			}
			vfs[normalized] = *entry
			if bar != nil {
				bar.Add64(hdr.Size)
			}
		}
	}
	return nil
}

// applyOpaqueWhiteout removes every vfs entry strictly under dir, keeping
// dir itself if present.
func applyOpaqueWhiteout(vfs map[string]vfsentry.Entry, dir string) {
	for p := range vfs {
		if p == dir {
			continue
		}
		if isStrictlyUnder(dir, p) {
			delete(vfs, p)
		}
	}
}

// isStrictlyUnder reports whether p is a descendant of dir ("." is the
// root and contains everything).
func isStrictlyUnder(dir, p string) bool {
	if dir == "." {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}

// readEntry builds a vfsentry.Entry for a non-whiteout tar entry,
// buffering small bodies in memory and spilling large ones to the
// engine's working directory.
func (e *Engine) readEntry(hdr *tar.Header, normalized string, tr *tar.Reader, spillCount *int) (*vfsentry.Entry, error) {
	kind, ok := vfsentry.KindFromTarType(hdr.Typeflag)
	if !ok {
		return nil, nil
	}

	retained := *hdr
	retained.Name = normalized

	switch kind {
	case vfsentry.KindDirectory, vfsentry.KindSymlink, vfsentry.KindHardlink, vfsentry.KindOther:
		return &vfsentry.Entry{Kind: kind, Header: &retained}, nil
	}

	// KindRegular: buffer or spill.
	if hdr.Size <= MaxMemoryFileSize {
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, squasherr.IO(err, "read body for %s", normalized)
		}
		return &vfsentry.Entry{Kind: kind, Header: &retained, Body: vfsentry.MemBody(data)}, nil
	}

	*spillCount++
	spillPath := fmt.Sprintf("%s/spill_%d.bin", e.WorkDir, *spillCount)
	out, err := os.Create(spillPath)
	if err != nil {
		return nil, squasherr.IO(err, "create spill file %s", spillPath)
	}
	n, err := io.Copy(out, tr)
	closeErr := out.Close()
	if err != nil {
		return nil, squasherr.IO(err, "spill body for %s", normalized)
	}
	if closeErr != nil {
		return nil, squasherr.IO(closeErr, "close spill file %s", spillPath)
	}
	return &vfsentry.Entry{Kind: kind, Header: &retained, Body: vfsentry.SpillBody(spillPath, n)}, nil
}

// normalizePath cleans a tar entry name and reports whether it is safe to
// apply: not absolute, and cleaning it never escapes above its own root
// via ".." segments.
func normalizePath(name string) (string, bool) {
	if path.IsAbs(name) {
		return "", false
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	if cleaned == "." {
		return ".", true
	}
	return cleaned, true
}

// emit writes every present vfs entry to a fresh merged tar in the
// engine's working directory, sorted by normalized path, and returns its
// path.
func (e *Engine) emit(vfs map[string]vfsentry.Entry) (string, error) {
	paths := make([]string, 0, len(vfs))
	for p, entry := range vfs {
		if entry.Kind == vfsentry.KindDeleted {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	b := tario.NewBuilder()
	for _, p := range paths {
		entry := vfs[p]
		b.Add(entryToStaged(p, entry))
	}

	outPath := fmt.Sprintf("%s/merged_layer_%s.tar", e.WorkDir, uuid.NewString())
	if err := b.Build(outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

func entryToStaged(p string, entry vfsentry.Entry) tario.StagedEntry {
	hdr := *entry.Header
	hdr.Name = p

	if entry.Kind != vfsentry.KindRegular {
		return tario.StagedEntry{Header: &hdr}
	}
	if entry.Body.Spilled() {
		return tario.StagedEntry{Header: &hdr, Source: tario.FileSource(entry.Body.SpillPath, entry.Body.Size)}
	}
	return tario.StagedEntry{Header: &hdr, Source: tario.MemSource(entry.Body.Mem)}
}

// digestFile computes the sha256 diff-id of the file at path, streaming it
// through the hash in 8 KiB chunks, and returns its digest and size.
func digestFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, squasherr.IO(err, "open merged tar %s", path)
	}
	defer f.Close()

	digester := digest.SHA256.Digester()
	buf := make([]byte, 8*1024)
	size, err := io.CopyBuffer(digester.Hash(), f, buf)
	if err != nil {
		return "", 0, squasherr.IO(err, "digest merged tar %s", path)
	}

	return digester.Digest(), size, nil
}

// Package tario provides the tar extraction and construction primitives the
// rest of the squash tool builds on: unpacking a (possibly gzip-compressed)
// tar into a staging directory, and assembling a deterministic tar from a
// set of named entries.
package tario

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/squashtool/squash/internal/squasherr"
)

// gzipMagic is the two-byte gzip header used to sniff compression the same
// way detectLayerCompression does in the teacher's internal/cmd/oci/main.go,
// rather than trusting a file extension (archives from `docker save` and
// individual layer tars commonly carry none).
var gzipMagic = [2]byte{0x1f, 0x8b}

// StagingDir is a directory that exclusively owns the files extracted from
// one archive. It must outlive every LayerInfo referencing paths inside it.
type StagingDir struct {
	root string
}

// Root returns the staging directory's filesystem path.
func (s *StagingDir) Root() string { return s.root }

// FileExists reports whether name exists relative to the staging root.
func (s *StagingDir) FileExists(name string) bool {
	_, err := os.Stat(s.AbsolutePath(name))
	return err == nil
}

// ReadFileText reads and returns the contents of name relative to the
// staging root.
func (s *StagingDir) ReadFileText(name string) ([]byte, error) {
	data, err := os.ReadFile(s.AbsolutePath(name))
	if err != nil {
		return nil, squasherr.IO(err, "read %s", name)
	}
	return data, nil
}

// AbsolutePath resolves name to its absolute path under the staging root.
func (s *StagingDir) AbsolutePath(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Close removes the staging directory and everything under it.
func (s *StagingDir) Close() error {
	if s.root == "" {
		return nil
	}
	return os.RemoveAll(s.root)
}

// Extract unpacks the (possibly gzip-compressed) tar at archivePath into a
// fresh staging directory and returns a handle to it. Entries whose
// resolved path would escape the staging root are skipped.
func Extract(archivePath string, tempDirRoot string) (*StagingDir, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, squasherr.IO(err, "open archive %s", archivePath)
	}
	defer f.Close()

	root, err := os.MkdirTemp(tempDirRoot, "squash-stage-*")
	if err != nil {
		return nil, squasherr.IO(err, "create staging directory")
	}
	stage := &StagingDir{root: root}

	reader, closeReader, err := maybeDecompress(f)
	if err != nil {
		stage.Close()
		return nil, err
	}
	defer closeReader()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			stage.Close()
			return nil, squasherr.IO(err, "read tar entry from %s", archivePath)
		}

		dest, ok := safeJoin(root, hdr.Name)
		if !ok {
			continue
		}

		if err := extractOne(dest, hdr, tr); err != nil {
			stage.Close()
			return nil, err
		}
	}

	return stage, nil
}

func extractOne(dest string, hdr *tar.Header, tr *tar.Reader) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return squasherr.IO(err, "mkdir %s", dest)
		}
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return squasherr.IO(err, "mkdir %s", filepath.Dir(dest))
		}
		os.Remove(dest)
		if err := os.Symlink(hdr.Linkname, dest); err != nil {
			return squasherr.IO(err, "symlink %s -> %s", dest, hdr.Linkname)
		}
	default:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return squasherr.IO(err, "mkdir %s", filepath.Dir(dest))
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
		if err != nil {
			return squasherr.IO(err, "create %s", dest)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return squasherr.IO(err, "write %s", dest)
		}
		if err := out.Close(); err != nil {
			return squasherr.IO(err, "close %s", dest)
		}
	}
	return nil
}

// safeJoin resolves name under root, refusing any path that normalizes
// outside it (".." segments, absolute paths).
func safeJoin(root, name string) (string, bool) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", false
	}
	joined := filepath.Join(root, clean)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", false
	}
	return joined, true
}

// maybeDecompress sniffs f for a gzip magic header and, if found, wraps it
// in a gzip.Reader; otherwise returns it unchanged with its first bytes
// intact. The returned close func must be called once the caller is done
// reading.
func maybeDecompress(f *os.File) (io.Reader, func() error, error) {
	var magic [2]byte
	n, err := io.ReadFull(f, magic[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, nil, squasherr.IO(err, "sniff archive header")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, nil, squasherr.IO(err, "rewind archive")
	}
	if n == 2 && magic == gzipMagic {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, squasherr.IO(err, "create gzip reader")
		}
		return gr, gr.Close, nil
	}
	return f, func() error { return nil }, nil
}

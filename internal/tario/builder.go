package tario

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"sort"

	"github.com/squashtool/squash/internal/squasherr"
)

// Source supplies the bytes for one staged entry, either from memory or a
// file on disk, so the Builder can stream large bodies without buffering
// them twice.
type Source interface {
	// Open returns a reader for the entry's content and the exact byte
	// count that will be copied from it.
	Open() (io.ReadCloser, int64, error)
}

type memSource struct{ data []byte }

func (m memSource) Open() (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(m.data)), int64(len(m.data)), nil
}

type fileSource struct {
	path string
	size int64
}

func (f fileSource) Open() (io.ReadCloser, int64, error) {
	r, err := os.Open(f.path)
	if err != nil {
		return nil, 0, squasherr.IO(err, "open %s", f.path)
	}
	return r, f.size, nil
}

// MemSource builds a Source backed by an in-memory byte slice.
func MemSource(data []byte) Source { return memSource{data: data} }

// FileSource builds a Source backed by a file on disk, read from its
// start; size is the byte count Open reports for it.
func FileSource(path string, size int64) Source { return fileSource{path: path, size: size} }

// StagedEntry is one entry queued for a Builder, carrying the retained tar
// header (the Builder only overwrites Size on emission) and its content
// source. A directory entry has a nil Source.
type StagedEntry struct {
	Header *tar.Header
	Source Source
}

// Builder stages named entries and assembles them into a single
// deterministic tar file, sorted by entry name so that repeated builds of
// the same staged set produce byte-identical output.
type Builder struct {
	entries []StagedEntry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// Add stages one entry.
func (b *Builder) Add(entry StagedEntry) {
	b.entries = append(b.entries, entry)
}

// AddFile stages a regular file entry with the given name, mode, and
// content.
func (b *Builder) AddFile(name string, mode int64, data []byte) {
	b.Add(StagedEntry{
		Header: &tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     mode,
			Size:     int64(len(data)),
		},
		Source: MemSource(data),
	})
}

// AddDir stages a directory entry with the given name and mode.
func (b *Builder) AddDir(name string, mode int64) {
	b.Add(StagedEntry{
		Header: &tar.Header{
			Name:     name,
			Typeflag: tar.TypeDir,
			Mode:     mode,
		},
	})
}

// Build writes every staged entry to outputPath as a single tar file,
// sorted by header name as staged.
func (b *Builder) Build(outputPath string) error {
	sorted := make([]StagedEntry, len(b.entries))
	copy(sorted, b.entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Header.Name < sorted[j].Header.Name
	})

	out, err := os.Create(outputPath)
	if err != nil {
		return squasherr.IO(err, "create %s", outputPath)
	}

	tw := tar.NewWriter(out)
	for _, entry := range sorted {
		if err := writeEntry(tw, entry); err != nil {
			out.Close()
			os.Remove(outputPath)
			return err
		}
	}
	if err := tw.Close(); err != nil {
		out.Close()
		os.Remove(outputPath)
		return squasherr.IO(err, "finalize tar %s", outputPath)
	}
	if err := out.Close(); err != nil {
		return squasherr.IO(err, "close %s", outputPath)
	}
	return nil
}

func writeEntry(tw *tar.Writer, entry StagedEntry) error {
	hdr := *entry.Header
	if entry.Source == nil {
		hdr.Size = 0
		if err := tw.WriteHeader(&hdr); err != nil {
			return squasherr.IO(err, "write header %s", hdr.Name)
		}
		return nil
	}

	r, size, err := entry.Source.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	hdr.Size = size
	if err := tw.WriteHeader(&hdr); err != nil {
		return squasherr.IO(err, "write header %s", hdr.Name)
	}
	if _, err := io.Copy(tw, r); err != nil {
		return squasherr.IO(err, "write body %s", hdr.Name)
	}
	return nil
}

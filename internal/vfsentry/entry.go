// Package vfsentry models the merge engine's virtual filesystem entries:
// one tar header plus a body that is either held in memory or spilled to a
// file, or a tombstone recording a whiteout deletion.
//
// This is the teacher's internal/archive EntryKind/EntryFactory idiom
// reworked for a single-pass tar replay instead of a persisted
// index+contents file pair: there is no on-disk index format here, only an
// in-process map from normalized path to Entry.
package vfsentry

import "archive/tar"

// Kind discriminates what an Entry represents in the virtual filesystem.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindRegular
	KindDirectory
	KindSymlink
	KindHardlink
	KindOther // fifo, device, etc. — header + no meaningful body
	KindDeleted
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindHardlink:
		return "hardlink"
	case KindOther:
		return "other"
	case KindDeleted:
		return "deleted"
	default:
		return "invalid"
	}
}

// Body holds an entry's content, either buffered in memory or spilled to a
// file in the merge engine's working directory.
type Body struct {
	Mem       []byte // set when the body is small enough to buffer (see MemBody)
	SpillPath string // set when the body was spilled (see SpillBody)
	Size      int64  // always valid regardless of storage location
}

// MemBody wraps an in-memory body.
func MemBody(data []byte) Body {
	return Body{Mem: data, Size: int64(len(data))}
}

// SpillBody wraps a disk-backed body recorded at path with the given size.
func SpillBody(path string, size int64) Body {
	return Body{SpillPath: path, Size: size}
}

// Spilled reports whether the body lives on disk rather than in memory.
func (b Body) Spilled() bool { return b.SpillPath != "" }

// Entry is one present (non-deleted) or tombstoned path in the virtual
// filesystem.
type Entry struct {
	Kind   Kind
	Header *tar.Header // retained verbatim except for Name/Size, rewritten on emission
	Body   Body         // zero value for directories, symlinks, deleted entries
}

// Tombstone builds a deletion marker entry.
func Tombstone() Entry {
	return Entry{Kind: KindDeleted}
}

// KindFromTarType maps a tar type flag to a vfsentry Kind, returning false
// for type flags the merge engine intentionally ignores (global headers,
// unknown extensions).
func KindFromTarType(flag byte) (Kind, bool) {
	switch flag {
	case tar.TypeReg, tar.TypeRegA:
		return KindRegular, true
	case tar.TypeDir:
		return KindDirectory, true
	case tar.TypeSymlink:
		return KindSymlink, true
	case tar.TypeLink:
		return KindHardlink, true
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		return KindOther, true
	default:
		return KindInvalid, false
	}
}

// Package ids implements plugin identifier validation and the tree-hash
// used as the signed payload for package verification.
package ids

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/yukmakoto/nBot/internal/hosterr"
)

const maxIDLength = 64

// idClass reports whether r belongs to [A-Za-z0-9_.-].
func idClass(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '.' || r == '-':
		return true
	default:
		return false
	}
}

// Validate checks a candidate PluginId against the character class and
// length invariants from the data model: non-empty, at most 64 bytes,
// every byte in [A-Za-z0-9_.-].
func Validate(s string) error {
	if len(s) == 0 {
		return hosterr.New(hosterr.InvalidId, "id must not be empty")
	}
	if len(s) > maxIDLength {
		return hosterr.New(hosterr.InvalidId, "id exceeds 64 bytes")
	}
	for _, r := range s {
		if !idClass(r) {
			return hosterr.New(hosterr.InvalidId, "id contains disallowed character")
		}
	}
	return nil
}

// File is one regular file entry considered for the tree hash: its
// path relative to the package root, using "/" separators, and its
// raw bytes.
type File struct {
	Path  string
	Bytes []byte
}

// TreeHash computes the deterministic digest over a package's file set,
// excluding manifest.json by construction (callers must not pass it in
// files). Entries are sorted by path under byte-wise lexicographic
// order before hashing so the result is stable under arbitrary archive
// member ordering.
func TreeHash(files []File) [32]byte {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	var lenBuf [8]byte
	for _, f := range sorted {
		h.Write([]byte(f.Path))
		h.Write([]byte{'\n'})
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(f.Bytes)))
		h.Write(lenBuf[:])
		h.Write([]byte{'\n'})
		h.Write(f.Bytes)
		h.Write([]byte{'\n'})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

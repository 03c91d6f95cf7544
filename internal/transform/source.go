// Package transform runs source files through their transform chains.
//
// A chain is an ordered list of pure stages over (code, metadata). Every stage
// result is stored in a content-addressed cache keyed by the stage input, the
// stage identity, the stage configuration and the mode policy, so a cache hit
// is interchangeable with a fresh run. A failing stage aborts the chain of its
// own file only.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/conneroisu/assetpipe/internal/asset"
	"github.com/conneroisu/assetpipe/internal/rules"
)

// SourceFile is an immutable source read from disk, or a virtual block split
// out of another file.
type SourceFile struct {
	// Path is slash separated and relative to the project root. Virtual
	// files carry a query suffix, e.g. "src/App.vue?vue&type=style&index=0&lang.css".
	Path string
	Data []byte
	Hash string
}

// NewSourceFile hashes data and returns the file.
func NewSourceFile(path string, data []byte) SourceFile {
	return SourceFile{Path: path, Data: data, Hash: HashBytes(data)}
}

// FilePath returns Path without its query suffix.
func (f SourceFile) FilePath() string {
	if i := strings.IndexByte(f.Path, '?'); i >= 0 {
		return f.Path[:i]
	}
	return f.Path
}

// HashBytes returns the hex sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ImportKind tells how a reference was discovered.
type ImportKind string

const (
	ImportRequire ImportKind = "require"
	ImportStyle   ImportKind = "style"
	ImportURL     ImportKind = "url"
)

// Import is a reference from a module to another module or asset.
type Import struct {
	Specifier string     `json:"specifier"`
	Kind      ImportKind `json:"kind"`
}

// ModuleRecord is what a chain produces for one file. Records are never
// mutated; a changed file produces a new record.
type ModuleRecord struct {
	ID         string
	Path       string
	Type       rules.ModuleType
	Rule       string
	Code       []byte
	Map        []byte
	Imports    []Import
	Asset      *asset.Record
	Virtual    []SourceFile
	SourceHash string
}

// IsStyle reports whether the record holds stylesheet code.
func (m *ModuleRecord) IsStyle() bool { return m.Type == rules.TypeStyle }

func appendImports(dst []Import, src ...Import) []Import {
	for _, imp := range src {
		dup := false
		for _, have := range dst {
			if have == imp {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, imp)
		}
	}
	return dst
}

// Package output turns partitioned chunks into emitted artifacts.
//
// The Namer decides file names, the Linker writes chunk scripts around the
// module factories, extracts or injects styles, builds source maps and the
// asset manifest. Given the same graph and chunks the output is
// byte-identical, names included.
package output

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/conneroisu/assetpipe/internal/chunk"
	"github.com/conneroisu/assetpipe/internal/config"
)

// HashLength is the number of hex characters of a content hash kept in
// production file names.
const HashLength = 10

// Namer names chunk files under a mode policy.
type Namer struct {
	policy config.ModePolicy
}

// NewNamer creates a namer.
func NewNamer(policy config.ModePolicy) *Namer {
	return &Namer{policy: policy}
}

// Script returns the script file name for c with contents data.
func (n *Namer) Script(c *chunk.Chunk, data []byte) string {
	suffix := ".js"
	if c.Kind == chunk.KindCommon {
		suffix = ".chunk.js"
	}
	return "js/" + n.stem(c.Name, data) + suffix
}

// Style returns the stylesheet file name for the chunk named name.
func (n *Namer) Style(name string, data []byte) string {
	return "styles/" + n.stem(name, data) + ".css"
}

func (n *Namer) stem(name string, data []byte) string {
	name = safeName(name)
	if !n.policy.HashNames() {
		return name
	}
	return name + "." + ContentHash(data)
}

// ContentHash returns the short sha256 of data used in file names.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:HashLength]
}

// safeName keeps chunk names usable as a single path segment.
func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

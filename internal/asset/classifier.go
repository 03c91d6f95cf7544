// Package asset decides whether binary resources are inlined into the
// referencing module as data URIs or emitted as separate files.
package asset

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"mime"
	"path"
	"strings"

	"github.com/conneroisu/assetpipe/internal/config"
)

// Kind separates images from other static resources such as fonts.
type Kind int

const (
	KindImage Kind = iota
	KindResource
)

func (k Kind) String() string {
	if k == KindResource {
		return "resource"
	}
	return "image"
}

// Disposition is the decided fate of an asset.
type Disposition int

const (
	Emitted Disposition = iota
	Inlined
)

func (d Disposition) String() string {
	if d == Inlined {
		return "inlined"
	}
	return "emitted"
}

// Record is a classified asset. It is decided once and never changes.
type Record struct {
	Path        string
	Size        int64
	Kind        Kind
	Disposition Disposition
	// DataURI is set for inlined assets.
	DataURI string
	// OutputPath is set for emitted assets, relative to the output root.
	OutputPath string
	Hash       string
}

// URL is what referencing code embeds: the data URI or the public path.
func (r Record) URL() string {
	if r.Disposition == Inlined {
		return r.DataURI
	}
	return "/" + r.OutputPath
}

// Classifier applies the size threshold under a mode policy.
type Classifier struct {
	policy config.ModePolicy
}

// NewClassifier creates a classifier bound to policy.
func NewClassifier(policy config.ModePolicy) *Classifier {
	return &Classifier{policy: policy}
}

// Inline reports whether an asset of the given size and kind is inlined.
//
// Images inline at or below the threshold in every mode. Other resources are
// always emitted in production and follow the threshold in development.
func (c *Classifier) Inline(size int64, kind Kind) bool {
	if kind != KindImage && !c.policy.InlineNonImages() {
		return false
	}
	return size <= c.policy.InlineLimit()
}

// Classify decides the disposition of the asset at p, a project relative
// slash path, with contents data.
func (c *Classifier) Classify(p string, data []byte, kind Kind) Record {
	sum := sha256.Sum256(data)
	rec := Record{
		Path: p,
		Size: int64(len(data)),
		Kind: kind,
		Hash: hex.EncodeToString(sum[:]),
	}

	if c.Inline(rec.Size, kind) {
		rec.Disposition = Inlined
		rec.DataURI = DataURI(p, data)
		return rec
	}

	rec.Disposition = Emitted
	if c.policy.HashNames() {
		rec.OutputPath = "static/" + rec.Hash[:10] + path.Ext(p)
	} else {
		rec.OutputPath = "static/" + sanitize(p)
	}
	return rec
}

var mimeTypes = map[string]string{
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
}

// MimeType returns the content type for p's extension.
func MimeType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if t, ok := mimeTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// DataURI encodes data as a base64 data URI.
func DataURI(p string, data []byte) string {
	return "data:" + MimeType(p) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func sanitize(p string) string {
	parts := strings.Split(path.Clean("/"+p), "/")
	out := parts[:0]
	for _, s := range parts {
		if s == "" || s == "." || s == ".." {
			continue
		}
		out = append(out, s)
	}
	return strings.Join(out, "/")
}

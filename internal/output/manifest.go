package output

import (
	"encoding/json"

	"github.com/conneroisu/assetpipe/internal/chunk"
)

// ManifestName is the file the manifest is written to.
const ManifestName = "asset-manifest.json"

// ArtifactKind tells what an artifact holds.
type ArtifactKind string

const (
	ArtifactScript   ArtifactKind = "script"
	ArtifactStyle    ArtifactKind = "style"
	ArtifactAsset    ArtifactKind = "asset"
	ArtifactHTML     ArtifactKind = "html"
	ArtifactMap      ArtifactKind = "map"
	ArtifactStatic   ArtifactKind = "static"
	ArtifactManifest ArtifactKind = "manifest"
)

// Artifact is one emitted file.
type Artifact struct {
	// Name is slash separated and relative to the output root.
	Name  string
	Kind  ArtifactKind
	Chunk string
	Data  []byte
}

// ChunkFiles lists what one chunk emitted.
type ChunkFiles struct {
	Name    string     `json:"name"`
	Kind    chunk.Kind `json:"kind"`
	Script  string     `json:"script"`
	Style   string     `json:"style,omitempty"`
	Deps    []string   `json:"deps,omitempty"`
	Modules int        `json:"modules"`
	Size    int        `json:"size"`
}

// Manifest describes a linked build.
type Manifest struct {
	// Chunks are in load order.
	Chunks []ChunkFiles `json:"-"`
	// Files maps a logical name (chunk file or asset source path) to its
	// public URL.
	Files map[string]string `json:"files"`
	// Entrypoints lists, per entry, every file the entry needs in load
	// order.
	Entrypoints map[string][]string `json:"entrypoints"`
}

func newManifest() *Manifest {
	return &Manifest{
		Files:       map[string]string{},
		Entrypoints: map[string][]string{},
	}
}

// Scripts returns every chunk script in load order.
func (m *Manifest) Scripts() []string {
	var out []string
	for _, c := range m.Chunks {
		if c.Script != "" {
			out = append(out, c.Script)
		}
	}
	return out
}

// Styles returns every extracted stylesheet in load order.
func (m *Manifest) Styles() []string {
	var out []string
	for _, c := range m.Chunks {
		if c.Style != "" {
			out = append(out, c.Style)
		}
	}
	return out
}

// Chunk returns the files of the chunk named name.
func (m *Manifest) Chunk(name string) (ChunkFiles, bool) {
	for _, c := range m.Chunks {
		if c.Name == name {
			return c, true
		}
	}
	return ChunkFiles{}, false
}

// JSON encodes the manifest the way it is written to disk.
func (m *Manifest) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (m *Manifest) addEntrypoints() {
	for _, c := range m.Chunks {
		if c.Kind != chunk.KindEntry {
			continue
		}
		var files []string
		if rt, ok := m.Chunk(chunk.RuntimeName); ok {
			files = append(files, rt.Script)
		}
		for _, dep := range c.Deps {
			if dep == chunk.RuntimeName {
				continue
			}
			if d, ok := m.Chunk(dep); ok {
				files = appendFiles(files, d)
			}
		}
		m.Entrypoints[c.Name] = appendFiles(files, c)
	}
}

func appendFiles(files []string, c ChunkFiles) []string {
	if c.Style != "" {
		files = append(files, c.Style)
	}
	return append(files, c.Script)
}

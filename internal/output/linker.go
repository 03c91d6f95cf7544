package output

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/conneroisu/assetpipe/internal/asset"
	"github.com/conneroisu/assetpipe/internal/chunk"
	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/graph"
	"github.com/conneroisu/assetpipe/internal/transform"
)

// Factory is the registration of one module: the body of its factory
// function and its specifier to module id table.
type Factory struct {
	ID   string            `json:"id"`
	Code string            `json:"code"`
	Map  map[string]string `json:"map"`
}

// Linker emits chunks.
type Linker struct {
	policy config.ModePolicy
	namer  *Namer
	fsys   fs.FS
	client string
}

// LinkerOption configures a Linker.
type LinkerOption func(*Linker)

// WithClient appends script to the runtime chunk. The dev server uses it for
// its update client.
func WithClient(script string) LinkerOption {
	return func(l *Linker) { l.client = script }
}

// NewLinker creates a linker reading emitted asset files from fsys, rooted
// at the project directory.
func NewLinker(policy config.ModePolicy, namer *Namer, fsys fs.FS, opts ...LinkerOption) *Linker {
	l := &Linker{policy: policy, namer: namer, fsys: fsys}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Link emits every chunk in order followed by the emitted asset files.
func (l *Linker) Link(g *graph.Graph, chunks []*chunk.Chunk) (*Manifest, []Artifact, error) {
	man := newManifest()
	var artifacts []Artifact

	for _, c := range chunks {
		files := ChunkFiles{Name: c.Name, Kind: c.Kind, Deps: c.Deps, Modules: len(c.Modules)}

		script, styles, err := l.render(g, c)
		if err != nil {
			return nil, nil, err
		}

		out, err := l.emit(c.Name, ArtifactScript, script, false, func(b []byte) string { return l.namer.Script(c, b) })
		if err != nil {
			return nil, nil, err
		}
		files.Script = out[0].Name
		files.Size += len(out[0].Data)
		artifacts = append(artifacts, out...)
		man.Files[c.Name+".js"] = "/" + files.Script

		if styles != nil {
			out, err := l.emit(c.Name, ArtifactStyle, styles, true, func(b []byte) string { return l.namer.Style(c.Name, b) })
			if err != nil {
				return nil, nil, err
			}
			files.Style = out[0].Name
			files.Size += len(out[0].Data)
			artifacts = append(artifacts, out...)
			man.Files[c.Name+".css"] = "/" + files.Style
		}

		man.Chunks = append(man.Chunks, files)
	}
	man.addEntrypoints()

	assets, err := l.assets(g, man)
	if err != nil {
		return nil, nil, err
	}
	return man, append(artifacts, assets...), nil
}

// render writes the script of c and, when styles are extracted, its
// stylesheet. styles is nil when the chunk has no style module.
func (l *Linker) render(g *graph.Graph, c *chunk.Chunk) (script, styles *writer, err error) {
	script = &writer{}
	if c.Kind == chunk.KindRuntime {
		script.write(runtimeJS)
		if l.client != "" {
			script.writeMapped([]byte(l.client), nil)
		}
		return script, nil, nil
	}

	for _, id := range c.Modules {
		rec, ok := g.Modules[id]
		if !ok {
			return nil, nil, perrors.NewInternalError("LINK_MISSING_MODULE", fmt.Sprintf("chunk %s lists unknown module %s", c.Name, id), nil)
		}
		f, err := l.factory(g, rec)
		if err != nil {
			return nil, nil, err
		}
		if rec.IsStyle() && l.policy.ExtractStyles() {
			if styles == nil {
				styles = &writer{}
			}
			styles.writeMapped(l.styleCode(g, rec), rec.Map)
		}

		table, err := json.Marshal(f.Map)
		if err != nil {
			return nil, nil, err
		}
		script.write(Global + ".define(" + jsString(id) + ", function (module, exports, require) {\n")
		if rec.IsStyle() {
			script.write(f.Code)
		} else {
			script.writeMapped(rec.Code, rec.Map)
		}
		script.write("}, " + string(table) + ");\n")
	}

	if c.Kind == chunk.KindEntry && c.Entry != "" {
		script.write(Global + ".start(" + jsString(c.Entry) + ");\n")
	}
	return script, styles, nil
}

// emit names the output of w and attaches its source map the way the mode
// asks. The first returned artifact is the file itself.
func (l *Linker) emit(chunkName string, kind ArtifactKind, w *writer, css bool, name func([]byte) string) ([]Artifact, error) {
	body := w.bytes()
	file := name(body)
	data := append([]byte(nil), body...)

	if len(w.sections) == 0 {
		return []Artifact{{Name: file, Kind: kind, Chunk: chunkName, Data: data}}, nil
	}

	m, err := w.sourceMap(path.Base(file))
	if err != nil {
		return nil, perrors.NewInternalError("SOURCE_MAP", "cannot encode source map for "+file, err)
	}
	if l.policy.SourceMap() == config.SourceMapInline {
		data = append(data, inlineMapComment(m, css)...)
		return []Artifact{{Name: file, Kind: kind, Chunk: chunkName, Data: data}}, nil
	}

	data = append(data, mapComment(path.Base(file)+".map", css)...)
	return []Artifact{
		{Name: file, Kind: kind, Chunk: chunkName, Data: data},
		{Name: file + ".map", Kind: ArtifactMap, Chunk: chunkName, Data: m},
	}, nil
}

// Factory returns the registration of module id, as linked into its chunk.
// Hot updates send the same body.
func (l *Linker) Factory(g *graph.Graph, id string) (Factory, error) {
	rec, ok := g.Modules[id]
	if !ok {
		return Factory{}, perrors.NewInternalError("LINK_MISSING_MODULE", "unknown module "+id, nil)
	}
	return l.factory(g, rec)
}

func (l *Linker) factory(g *graph.Graph, rec *transform.ModuleRecord) (Factory, error) {
	table := make(map[string]string, len(g.Resolved[rec.ID]))
	for spec, target := range g.Resolved[rec.ID] {
		table[spec] = target
	}
	f := Factory{ID: rec.ID, Map: table}

	if !rec.IsStyle() {
		f.Code = string(rec.Code)
		return f, nil
	}

	// Imported sheets are required first so their rules come earlier.
	var b strings.Builder
	for _, imp := range rec.Imports {
		if imp.Kind != transform.ImportStyle {
			continue
		}
		if _, ok := table[imp.Specifier]; ok {
			b.WriteString("require(" + jsString(imp.Specifier) + ");\n")
		}
	}
	if !l.policy.ExtractStyles() {
		b.WriteString(Global + ".style(" + jsString(rec.ID) + ", " + jsString(string(l.styleCode(g, rec))) + ");\n")
	}
	f.Code = b.String()
	return f, nil
}

// styleCode returns the stylesheet of rec with url() references pointing at
// the final asset URLs.
func (l *Linker) styleCode(g *graph.Graph, rec *transform.ModuleRecord) []byte {
	urls := map[string]string{}
	for _, imp := range rec.Imports {
		if imp.Kind != transform.ImportURL {
			continue
		}
		target, ok := g.Resolved[rec.ID][imp.Specifier]
		if !ok {
			continue
		}
		if dep, ok := g.Modules[target]; ok && dep.Asset != nil {
			urls[imp.Specifier] = dep.Asset.URL()
		}
	}
	if len(urls) == 0 {
		return rec.Code
	}
	return transform.RewriteURLs(rec.Code, urls)
}

// assets emits every reachable asset that is not inlined, once per output
// path, in graph order.
func (l *Linker) assets(g *graph.Graph, man *Manifest) ([]Artifact, error) {
	var out []Artifact
	seen := map[string]bool{}
	for _, id := range g.Order {
		rec := g.Modules[id]
		if rec == nil || rec.Asset == nil {
			continue
		}
		man.Files[rec.Asset.Path] = rec.Asset.URL()
		if rec.Asset.Disposition != asset.Emitted || seen[rec.Asset.OutputPath] {
			continue
		}
		seen[rec.Asset.OutputPath] = true
		if l.fsys == nil {
			return nil, perrors.NewIOError(rec.Asset.Path, "no project file system to read assets from", nil)
		}
		data, err := fs.ReadFile(l.fsys, rec.Asset.Path)
		if err != nil {
			return nil, perrors.NewIOError(rec.Asset.Path, "cannot read asset", err)
		}
		out = append(out, Artifact{Name: rec.Asset.OutputPath, Kind: ArtifactAsset, Data: data})
	}
	return out, nil
}

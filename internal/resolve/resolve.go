// Package resolve implements module specifier resolution: relative paths,
// aliases, extension probing, directory index files and node_modules
// packages with a package.json main field.
package resolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// ErrNotFound is returned when a specifier resolves to nothing.
var ErrNotFound = errors.New("module not found")

// Options configures a Resolver.
type Options struct {
	// Extensions are tried in order when a specifier has none.
	Extensions []string
	// Alias maps a specifier prefix to a project relative directory, e.g.
	// "@" -> "src".
	Alias map[string]string
	// ModulesDir is the package directory, "node_modules" by default.
	ModulesDir string
}

// Resolver resolves specifiers against a project file system. All paths are
// slash separated and relative to the root of fsys.
type Resolver struct {
	fsys       fs.FS
	extensions []string
	aliases    []alias
	modulesDir string
}

type alias struct {
	prefix string
	target string
}

// New creates a resolver over fsys.
func New(fsys fs.FS, opts Options) *Resolver {
	r := &Resolver{
		fsys:       fsys,
		extensions: opts.Extensions,
		modulesDir: opts.ModulesDir,
	}
	if r.modulesDir == "" {
		r.modulesDir = "node_modules"
	}
	if len(r.extensions) == 0 {
		r.extensions = []string{".vue", ".js", ".json"}
	}
	for k, v := range opts.Alias {
		r.aliases = append(r.aliases, alias{prefix: k, target: strings.Trim(path.Clean(v), "/")})
	}
	// Longest prefix first so "@/x" never shadows "@app/x".
	sort.Slice(r.aliases, func(i, j int) bool {
		if len(r.aliases[i].prefix) != len(r.aliases[j].prefix) {
			return len(r.aliases[i].prefix) > len(r.aliases[j].prefix)
		}
		return r.aliases[i].prefix < r.aliases[j].prefix
	})
	return r
}

// Resolve resolves specifier as imported from importer. A query suffix on
// the specifier is preserved on the result.
func (r *Resolver) Resolve(importer, specifier string) (string, error) {
	spec, query := splitQuery(specifier)
	if spec == "" {
		return "", fmt.Errorf("empty specifier: %w", ErrNotFound)
	}
	spec = strings.TrimPrefix(spec, "~")
	importerFile, _ := splitQuery(importer)

	var candidate string
	bare := false
	switch {
	case strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || spec == "." || spec == "..":
		candidate = path.Join(path.Dir(importerFile), spec)
	case strings.HasPrefix(spec, "/"):
		candidate = strings.TrimPrefix(path.Clean(spec), "/")
	default:
		if target, ok := r.applyAlias(spec); ok {
			candidate = target
		} else {
			candidate = path.Join(r.modulesDir, spec)
			bare = true
		}
	}

	if candidate == ".." || strings.HasPrefix(candidate, "../") {
		return "", fmt.Errorf("%q escapes the project root: %w", specifier, ErrNotFound)
	}

	resolved, err := r.resolvePath(candidate)
	if err != nil {
		kind := "file"
		if bare {
			kind = "package"
		}
		return "", fmt.Errorf("cannot resolve %s %q from %s: %w", kind, specifier, importerFile, err)
	}
	return resolved + query, nil
}

func (r *Resolver) applyAlias(spec string) (string, bool) {
	for _, a := range r.aliases {
		if spec == a.prefix {
			return a.target, true
		}
		if strings.HasPrefix(spec, a.prefix+"/") {
			return path.Join(a.target, strings.TrimPrefix(spec, a.prefix+"/")), true
		}
	}
	return "", false
}

func (r *Resolver) resolvePath(p string) (string, error) {
	if r.isFile(p) {
		return p, nil
	}
	for _, ext := range r.extensions {
		if r.isFile(p + ext) {
			return p + ext, nil
		}
	}
	if r.isDir(p) {
		return r.resolveDir(p)
	}
	return "", ErrNotFound
}

func (r *Resolver) resolveDir(dir string) (string, error) {
	if data, err := fs.ReadFile(r.fsys, path.Join(dir, "package.json")); err == nil {
		var pkg struct {
			Main string `json:"main"`
		}
		if err := json.Unmarshal(data, &pkg); err != nil {
			return "", fmt.Errorf("invalid %s/package.json: %w", dir, err)
		}
		if pkg.Main != "" {
			main := path.Join(dir, pkg.Main)
			if r.isFile(main) {
				return main, nil
			}
			for _, ext := range r.extensions {
				if r.isFile(main + ext) {
					return main + ext, nil
				}
			}
			if r.isDir(main) {
				return r.resolveIndex(main)
			}
		}
	}
	return r.resolveIndex(dir)
}

func (r *Resolver) resolveIndex(dir string) (string, error) {
	for _, ext := range r.extensions {
		p := path.Join(dir, "index"+ext)
		if r.isFile(p) {
			return p, nil
		}
	}
	return "", ErrNotFound
}

func (r *Resolver) isFile(p string) bool {
	st, err := fs.Stat(r.fsys, p)
	return err == nil && !st.IsDir()
}

func (r *Resolver) isDir(p string) bool {
	st, err := fs.Stat(r.fsys, p)
	return err == nil && st.IsDir()
}

func splitQuery(s string) (string, string) {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}

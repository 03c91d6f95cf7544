// Package static copies the public directory into the build output.
//
// Files are copied verbatim, dotfiles included. Ignore patterns use
// doublestar syntax against paths relative to the public directory, and
// patterns from a .gitignore file are honoured against project relative
// paths.
package static

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/output"
)

// DefaultIgnore keeps the HTML template out of the copy; it is rendered
// separately.
var DefaultIgnore = []string{"**/index.html"}

// Copier collects public files.
type Copier struct {
	fsys      fs.FS
	publicDir string
	ignore    []string
	gitignore []string
}

// New creates a copier over the project file system fsys. gitignore is the
// content of the project .gitignore, or nil.
func New(fsys fs.FS, publicDir string, ignore []string, gitignore []byte) (*Copier, error) {
	for _, p := range ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, perrors.NewConfigError("INVALID_IGNORE", "invalid ignore pattern "+p)
		}
	}
	return &Copier{
		fsys:      fsys,
		publicDir: strings.Trim(path.Clean(publicDir), "/"),
		ignore:    ignore,
		gitignore: ParseGitignore(gitignore),
	}, nil
}

// Collect reads every file to copy. Artifact names are relative to the
// public directory, which is also their place in the output. A missing
// public directory yields nothing.
func (c *Copier) Collect(ctx context.Context) ([]output.Artifact, error) {
	sub, err := fs.Sub(c.fsys, c.publicDir)
	if err != nil {
		return nil, perrors.NewIOError(c.publicDir, "cannot open public directory", err)
	}
	if _, err := fs.Stat(sub, "."); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var out []output.Artifact
	err = doublestar.GlobWalk(sub, "**", func(p string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Ignored(p) {
			return nil
		}
		data, err := fs.ReadFile(sub, p)
		if err != nil {
			return perrors.NewIOError(path.Join(c.publicDir, p), "cannot read public file", err)
		}
		out = append(out, output.Artifact{Name: p, Kind: output.ArtifactStatic, Data: data})
		return nil
	}, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ignored reports whether rel, relative to the public directory, is left
// out of the copy.
func (c *Copier) Ignored(rel string) bool {
	for _, p := range c.ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	project := path.Join(c.publicDir, rel)
	for _, p := range c.gitignore {
		if ok, _ := doublestar.Match(p, project); ok {
			return true
		}
	}
	return false
}

// ParseGitignore turns .gitignore lines into doublestar patterns. Negations
// are not supported and are skipped.
func ParseGitignore(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		dir := strings.HasSuffix(line, "/")
		line = strings.TrimSuffix(line, "/")
		anchored := strings.Contains(line, "/")
		line = strings.TrimPrefix(line, "/")
		if !anchored {
			line = "**/" + line
		}
		if !doublestar.ValidatePattern(line) {
			continue
		}
		if !dir {
			out = append(out, line)
		}
		out = append(out, line+"/**")
	}
	return out
}

// ReadGitignore returns the .gitignore of the project at root, or nil.
func ReadGitignore(root string) []byte {
	data, err := os.ReadFile(path.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	return data
}

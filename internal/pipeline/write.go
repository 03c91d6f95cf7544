package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

// Write stores the artifacts of res under outDir, relative to the project
// root unless absolute. The directory is emptied first when the mode cleans
// output and the configuration allows it.
func (p *Pipeline) Write(ctx context.Context, res *Result, outDir string) error {
	dir := outDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(p.root, filepath.FromSlash(dir))
	}
	dir = filepath.Clean(dir)

	if p.policy.CleanOutput() && p.cfg.Build.Clean {
		if err := p.clean(dir); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Build.Workers, 1))
	for _, a := range res.Artifacts {
		a := a
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			target := filepath.Join(dir, filepath.FromSlash(a.Name))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return perrors.NewIOError(target, "cannot create output directory", err)
			}
			if err := os.WriteFile(target, a.Data, 0o644); err != nil {
				return perrors.NewIOError(target, "cannot write artifact", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.logger.Info(ctx, "output written", "dir", dir, "files", len(res.Artifacts))
	return nil
}

// clean empties dir, refusing to touch the project root or anything above
// it.
func (p *Pipeline) clean(dir string) error {
	root, err := filepath.Abs(p.root)
	if err != nil {
		return perrors.NewIOError(p.root, "cannot resolve project root", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return perrors.NewIOError(dir, "cannot resolve output directory", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return perrors.NewConfigError("UNSAFE_OUTPUT_DIR", "refusing to clean "+dir+": not inside the project")
	}
	if err := os.RemoveAll(abs); err != nil {
		return perrors.NewIOError(dir, "cannot clean output directory", err)
	}
	return nil
}

package publish

import (
	"context"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/output"
)

// Cache-Control values for hashed and unhashed files.
const (
	CacheImmutable  = "public, max-age=31536000, immutable"
	CacheRevalidate = "no-cache"
)

var (
	hashed      = regexp.MustCompile(`\.[0-9a-f]{10}(\.chunk)?\.(js|css)(\.map)?$`)
	hashedAsset = regexp.MustCompile(`^static/[0-9a-f]{10}(\.[^./]+)?$`)
)

// Report summarises an upload.
type Report struct {
	Files int
	Bytes int64
	Keys  []string
}

// Publisher uploads output directories.
type Publisher struct {
	store   Store
	prefix  string
	workers int
	logger  logging.Logger
}

// New creates a publisher writing keys under prefix.
func New(store Store, prefix string, workers int, logger logging.Logger) *Publisher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Publisher{
		store:   store,
		prefix:  strings.Trim(prefix, "/"),
		workers: workers,
		logger:  logger.WithComponent("publish"),
	}
}

// Publish uploads every file of dir. Documents and the manifest go last so
// they never reference a file that is not uploaded yet.
func (p *Publisher) Publish(ctx context.Context, dir fs.FS) (*Report, error) {
	op := logging.StartOperation(p.logger, "publish")

	var files, last []string
	err := doublestar.GlobWalk(dir, "**", func(name string, d fs.DirEntry) error {
		if isEntryDocument(name) {
			last = append(last, name)
		} else {
			files = append(files, name)
		}
		return nil
	}, doublestar.WithFilesOnly())
	if err != nil {
		op.EndWithError(ctx, err)
		return nil, perrors.NewIOError(".", "cannot list output directory", err)
	}
	if len(files)+len(last) == 0 {
		err := perrors.NewConfigError("PUBLISH_EMPTY", "nothing to publish; run a production build first")
		op.EndWithError(ctx, err)
		return nil, err
	}
	sort.Strings(files)
	sort.Strings(last)

	report := &Report{}
	var size int64
	for _, batch := range [][]string{files, last} {
		if err := p.upload(ctx, dir, batch, &size); err != nil {
			op.EndWithError(ctx, err)
			return nil, err
		}
		for _, name := range batch {
			report.Keys = append(report.Keys, p.key(name))
		}
	}
	report.Files = len(report.Keys)
	report.Bytes = atomic.LoadInt64(&size)
	op.End(ctx, "files", report.Files, "bytes", report.Bytes)
	return report, nil
}

func (p *Publisher) upload(ctx context.Context, dir fs.FS, names []string, size *int64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, name := range names {
		name := name
		g.Go(func() error {
			data, err := fs.ReadFile(dir, name)
			if err != nil {
				return perrors.NewIOError(name, "cannot read output file", err)
			}
			obj := Object{
				Key:          p.key(name),
				Data:         data,
				ContentType:  contentType(name, data),
				CacheControl: cacheControl(name),
			}
			if err := p.store.Put(gctx, obj); err != nil {
				return err
			}
			atomic.AddInt64(size, int64(len(data)))
			p.logger.Debug(gctx, "uploaded", "key", obj.Key, "bytes", len(data))
			return nil
		})
	}
	return g.Wait()
}

func (p *Publisher) key(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "/" + name
}

func isEntryDocument(name string) bool {
	return path.Ext(name) == ".html" || name == output.ManifestName
}

func contentType(name string, data []byte) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// cacheControl marks content-hashed chunks and assets as immutable. Assets
// emitted under their source path and copied public files may change under
// the same name.
func cacheControl(name string) string {
	if hashed.MatchString(name) || hashedAsset.MatchString(name) {
		return CacheImmutable
	}
	return CacheRevalidate
}

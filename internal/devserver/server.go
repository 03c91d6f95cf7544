package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/watcher"
)

// HealthPath reports the state of the served build.
const HealthPath = "/__assetpipe/health"

// DefaultDebounce is used when the configuration leaves it unset.
const DefaultDebounce = 100 * time.Millisecond

// Server serves the latest snapshot over HTTP, falling back to the public
// directory on disk, and rebuilds on file changes.
type Server struct {
	cfg     *config.Config
	policy  config.ModePolicy
	root    string
	loop    *Loop
	hub     *Hub
	public  fs.FS
	watcher *watcher.FileWatcher
	logger  logging.Logger

	serverMutex sync.RWMutex
	httpServer  *http.Server
	listener    net.Listener

	shutdownOnce sync.Once
}

// New wires a server around builder. The builder's runtime chunk should
// carry Client so browsers receive updates.
func New(cfg *config.Config, policy config.ModePolicy, root string, builder Builder, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.WithComponent("devserver")

	debounce := cfg.Development.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := watcher.New(root, debounce, nil, logger)
	if err != nil {
		return nil, err
	}

	hub := NewHub(logger)
	return &Server{
		cfg:     cfg,
		policy:  policy,
		root:    root,
		loop:    NewLoop(builder, hub, policy.HotUpdate(), logger),
		hub:     hub,
		public:  os.DirFS(filepath.Join(root, filepath.FromSlash(cfg.PublicDir))),
		watcher: fw,
		logger:  logger,
	}, nil
}

// Loop exposes the rebuild loop.
func (s *Server) Loop() *Loop { return s.loop }

// Addr returns the listening address once Start has bound it.
func (s *Server) Addr() string {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler routes the websocket, the health probe and file requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(SocketPath, s.hub)
	mux.HandleFunc(HealthPath, s.handleHealth)
	mux.HandleFunc("/", s.handleFile)
	return mux
}

// Start runs the first build, starts watching the source directory and
// serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if err := s.loop.Start(ctx); err != nil {
		return err
	}

	s.watcher.AddHandler(func(events []watcher.ChangeEvent) error {
		s.logger.Debug(ctx, "files changed", "count", len(events))
		s.loop.Changed(ctx, watcher.Paths(events))
		return nil
	})
	if err := s.watcher.AddRecursive(s.cfg.SourceDir); err != nil {
		return err
	}
	if err := s.watcher.Start(ctx); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprint(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return perrors.NewConfigError("LISTEN_FAILED", fmt.Sprintf("cannot listen on %s: %v", addr, err))
	}

	s.serverMutex.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	url := "http://" + ln.Addr().String()
	s.logger.Info(ctx, "dev server listening", "url", url, "hot", s.policy.HotUpdate())
	if s.cfg.Server.Open {
		go s.openBrowser(ctx, url)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(shutdownCtx, err, "shutdown incomplete")
		}
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops watching, closes websocket clients and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if werr := s.watcher.Stop(); werr != nil {
			s.logger.Warn(ctx, werr, "cannot stop watcher")
		}
		s.hub.Shutdown()
		s.loop.Wait()

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()
		if server != nil {
			err = server.Shutdown(ctx)
		}
	})
	return err
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = "index.html"
	}

	snap := s.loop.Snapshot()
	if snap == nil {
		s.serveOverlay(w, r)
		return
	}
	if a, ok := snap.Files[name]; ok {
		serveBytes(w, r, name, a.Data)
		return
	}
	if info, err := fs.Stat(s.public, name); err == nil && info.Mode().IsRegular() {
		http.ServeFileFS(w, r, s.public, name)
		return
	}
	// Client side routes get the document.
	if path.Ext(name) == "" {
		if a, ok := snap.Files["index.html"]; ok {
			serveBytes(w, r, "index.html", a.Data)
			return
		}
	}
	http.NotFound(w, r)
}

func serveBytes(w http.ResponseWriter, r *http.Request, name string, data []byte) {
	ctype := mime.TypeByExtension(path.Ext(name))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

func (s *Server) serveOverlay(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusServiceUnavailable)
	if r.Method == http.MethodHead {
		return
	}
	var diags []Diagnostic
	if s.policy.ErrorOverlay() {
		diags = s.loop.Failure()
	}
	if err := Overlay(diags).Render(r.Context(), w); err != nil {
		s.logger.Warn(r.Context(), err, "cannot render overlay")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":  "building",
		"clients": s.hub.ClientCount(),
	}
	if snap := s.loop.Snapshot(); snap != nil {
		health["status"] = "ok"
		health["hash"] = snap.Hash
		health["generation"] = snap.Generation
	}
	if diags := s.loop.Failure(); len(diags) > 0 {
		health["status"] = "failing"
		health["diagnostics"] = diags
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn(r.Context(), err, "cannot encode health response")
	}
}

func (s *Server) openBrowser(ctx context.Context, url string) {
	time.Sleep(100 * time.Millisecond)

	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	if err != nil {
		s.logger.Warn(ctx, err, "cannot open browser", "url", url)
	}
}

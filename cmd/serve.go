package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/assetpipe/internal/devserver"
	"github.com/conneroisu/assetpipe/internal/output"
	"github.com/conneroisu/assetpipe/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the development server",
	Long: `Build the project in development mode, serve it from memory and rebuild
when files under the source directory change. Connected browsers receive
changed modules without a reload when possible.

Examples:
  assetpipe serve                   # Serve on localhost:8080
  assetpipe serve --port 3000       # Serve on another port
  assetpipe serve --host 0.0.0.0    # Listen on every interface
  assetpipe serve --no-hot          # Reload the page on every change`,
	RunE: runServe,
}

var (
	serveHost  string
	servePort  int
	serveNoHot bool
	serveOpen  bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "host to bind to")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "port to listen on")
	serveCmd.Flags().BoolVar(&serveNoHot, "no-hot", false, "disable hot module updates")
	serveCmd.Flags().BoolVar(&serveOpen, "open", false, "open the browser once listening")
	addFlagValidation(serveCmd, "port", validatePort)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := viper.GetViper()
	v.Set("mode", "development")
	bindFlag(cmd, v, "host", "server.host", serveHost)
	bindFlag(cmd, v, "port", "server.port", servePort)
	bindFlag(cmd, v, "open", "server.open", serveOpen)
	if serveNoHot {
		v.Set("development.hot_reload", false)
	}

	proj, err := loadProject(v)
	if err != nil {
		return err
	}

	// The client is injected even without hot updates: it still reloads
	// the page and shows the overlay.
	p, err := pipeline.New(pipeline.Options{
		Root:   proj.root,
		Config: proj.cfg,
		Policy: proj.policy,
		Logger: proj.logger,
		Linker: []output.LinkerOption{output.WithClient(devserver.Client(proj.policy.ErrorOverlay()))},
	})
	if err != nil {
		return err
	}

	srv, err := devserver.New(proj.cfg, proj.policy, proj.root, p, proj.logger)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

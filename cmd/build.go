package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/pipeline"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Build the project into the output directory",
	Long: `Build every entry, split shared code into common chunks and write the
result with an HTML document and asset-manifest.json.

Builds run in production mode unless --mode, ASSETPIPE_MODE or NODE_ENV
select development.

Examples:
  assetpipe build                       # Production build into dist/
  assetpipe build --output public_html  # Build to another directory
  assetpipe build --mode development    # Unminified build with inline maps
  assetpipe build --analyze             # Print the chunk layout
  assetpipe build --clear-cache         # Discard cached transform results first`,
	RunE: runBuild,
}

var (
	buildMode    = newChoice("production", "development", "production")
	buildOutput  string
	buildNoClean bool
	buildAnalyze bool
	buildClear   bool
)

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().Var(buildMode, "mode", "build mode ("+buildMode.Allowed()+")")
	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "", "output directory (default from output_dir)")
	buildCmd.Flags().BoolVar(&buildNoClean, "no-clean", false, "keep existing files in the output directory")
	buildCmd.Flags().BoolVar(&buildAnalyze, "analyze", false, "print the chunk layout after building")
	buildCmd.Flags().BoolVar(&buildClear, "clear-cache", false, "discard cached transform results before building")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := viper.GetViper()
	if cmd.Flags().Changed("mode") || (v.GetString("mode") == "" && os.Getenv("NODE_ENV") == "") {
		v.Set("mode", buildMode.String())
	}
	bindFlag(cmd, v, "output", "output_dir", buildOutput)
	if buildNoClean {
		v.Set("build.clean", false)
	}

	proj, err := loadProject(v)
	if err != nil {
		return err
	}
	p, err := pipeline.New(pipeline.Options{
		Root:   proj.root,
		Config: proj.cfg,
		Policy: proj.policy,
		Logger: proj.logger,
	})
	if err != nil {
		return err
	}

	if buildClear {
		if err := p.ClearCache(); err != nil {
			return err
		}
		proj.logger.Info(ctx, "transform cache cleared", "dir", proj.cfg.Build.CacheDir)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Building %d entries in %s mode...\n", len(proj.cfg.Entries), proj.policy.Mode())

	res, err := p.Build(ctx)
	if res != nil {
		reportDiagnostics(cmd.ErrOrStderr(), res.Diagnostics, res)
	}
	if err != nil {
		var failure *perrors.BuildFailure
		if res == nil && errors.As(err, &failure) {
			reportDiagnostics(cmd.ErrOrStderr(), failure.Errors, nil)
		}
		return fmt.Errorf("build failed: %w", err)
	}

	if err := p.Write(ctx, res, proj.cfg.OutputDir); err != nil {
		return err
	}

	fmt.Fprintf(out, "Wrote %d files to %s in %s\n", len(res.Artifacts), proj.cfg.OutputDir, res.Duration.Round(time.Millisecond))
	if buildAnalyze {
		return printAnalysis(out, res)
	}
	return nil
}

// reportDiagnostics prints per-file problems, one per line.
func reportDiagnostics(w io.Writer, errs []error, res *pipeline.Result) {
	for _, err := range errs {
		fmt.Fprintln(w, "  "+err.Error())
	}
	if res == nil {
		return
	}
	for _, d := range res.Lint {
		fmt.Fprintln(w, "  "+d.String())
	}
}

// printAnalysis writes one row per chunk in load order.
func printAnalysis(w io.Writer, res *pipeline.Result) error {
	title := cases.Title(language.English)
	num := message.NewPrinter(language.English)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHUNK\tKIND\tMODULES\tBYTES\tFILE")
	var total int
	for _, c := range res.Manifest.Chunks {
		total += c.Size
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", c.Name, title.String(string(c.Kind)), c.Modules, num.Sprintf("%d", c.Size), c.Script)
	}
	fmt.Fprintf(tw, "\t\t\t%s\t\n", num.Sprintf("%d", total))
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(res.Graph.Dead) > 0 {
		fmt.Fprintf(w, "\n%d unreachable modules:\n", len(res.Graph.Dead))
		for _, id := range res.Graph.Dead {
			fmt.Fprintln(w, "  "+id)
		}
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

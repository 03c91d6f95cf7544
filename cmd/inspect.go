package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/pipeline"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect",
	Aliases: []string{"i"},
	Short:   "Show the chunk layout of a build without writing it",
	Long: `Run a build in memory and report its chunks, entrypoints, unreachable
modules and import cycles.

Examples:
  assetpipe inspect                          # Table of chunks
  assetpipe inspect --format json            # Machine readable report
  assetpipe inspect --mode production -f yaml`,
	RunE: runInspect,
}

var (
	inspectMode   = newChoice("", "", "development", "production")
	inspectFormat = newChoice("table", "table", "json", "yaml", "toml")
)

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().Var(inspectMode, "mode", "build mode (development, production; default from configuration)")
	inspectCmd.Flags().VarP(inspectFormat, "format", "f", "output format ("+inspectFormat.Allowed()+")")
}

// inspectReport is the serialisable summary of a build.
type inspectReport struct {
	Mode        string              `json:"mode" yaml:"mode" toml:"mode"`
	Hash        string              `json:"hash" yaml:"hash" toml:"hash"`
	Modules     int                 `json:"modules" yaml:"modules" toml:"modules"`
	Chunks      []inspectChunk      `json:"chunks" yaml:"chunks" toml:"chunks"`
	Entrypoints map[string][]string `json:"entrypoints" yaml:"entrypoints" toml:"entrypoints"`
	Dead        []string            `json:"dead,omitempty" yaml:"dead,omitempty" toml:"dead,omitempty"`
	Cycles      [][]string          `json:"cycles,omitempty" yaml:"cycles,omitempty" toml:"cycles,omitempty"`
	Problems    []string            `json:"problems,omitempty" yaml:"problems,omitempty" toml:"problems,omitempty"`
}

type inspectChunk struct {
	Name    string   `json:"name" yaml:"name" toml:"name"`
	Kind    string   `json:"kind" yaml:"kind" toml:"kind"`
	Script  string   `json:"script" yaml:"script" toml:"script"`
	Style   string   `json:"style,omitempty" yaml:"style,omitempty" toml:"style,omitempty"`
	Deps    []string `json:"deps,omitempty" yaml:"deps,omitempty" toml:"deps,omitempty"`
	Modules []string `json:"modules" yaml:"modules" toml:"modules"`
	Size    int      `json:"size" yaml:"size" toml:"size"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	if inspectMode.String() != "" {
		v.Set("mode", inspectMode.String())
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

	res, err := p.Build(commandContext(cmd))
	if res == nil {
		return fmt.Errorf("build failed: %w", err)
	}
	report := newInspectReport(proj.policy.Mode().String(), res)
	var failure *perrors.BuildFailure
	if err != nil && !errors.As(err, &failure) {
		report.Problems = append(report.Problems, err.Error())
	}
	return writeReport(cmd.OutOrStdout(), inspectFormat.String(), report)
}

func newInspectReport(mode string, res *pipeline.Result) *inspectReport {
	r := &inspectReport{
		Mode:        mode,
		Hash:        res.Hash(),
		Modules:     len(res.Graph.Modules),
		Entrypoints: res.Manifest.Entrypoints,
		Dead:        res.Graph.Dead,
		Cycles:      res.Graph.Cycles,
	}
	for _, c := range res.Chunks {
		files, _ := res.Manifest.Chunk(c.Name)
		r.Chunks = append(r.Chunks, inspectChunk{
			Name:    c.Name,
			Kind:    string(c.Kind),
			Script:  files.Script,
			Style:   files.Style,
			Deps:    c.Deps,
			Modules: c.Modules,
			Size:    files.Size,
		})
	}
	for _, err := range res.Diagnostics {
		r.Problems = append(r.Problems, err.Error())
	}
	for _, d := range res.Lint {
		r.Problems = append(r.Problems, d.String())
	}
	return r
}

func writeReport(w io.Writer, format string, r *inspectReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(r)
	}

	fmt.Fprintf(w, "%s build %s, %d modules\n\n", r.Mode, r.Hash, r.Modules)
	for _, c := range r.Chunks {
		fmt.Fprintf(w, "%s (%s) %s\n", c.Name, c.Kind, c.Script)
		for _, id := range c.Modules {
			fmt.Fprintln(w, "  "+id)
		}
	}
	names := make([]string, 0, len(r.Entrypoints))
	for name := range r.Entrypoints {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "\nentrypoints:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %v\n", name, r.Entrypoints[name])
	}
	for _, p := range r.Problems {
		fmt.Fprintln(w, "problem: "+p)
	}
	return nil
}

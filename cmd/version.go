package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conneroisu/assetpipe/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the version, commit, build time and Go toolchain of assetpipe.

Examples:
  assetpipe version               # Version and commit
  assetpipe version --short       # Version only
  assetpipe version --format json # Output as JSON`,
	RunE: runVersionCommand,
}

var (
	versionFormat = newChoice("text", "text", "json")
	versionShort  bool
)

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().VarP(versionFormat, "format", "f", "output format ("+versionFormat.Allowed()+")")
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "show the version only")
}

func runVersionCommand(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if versionFormat.String() == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(version.GetBuildInfo())
	}
	if versionShort {
		fmt.Fprintln(out, version.GetShortVersion())
		return nil
	}
	return writeVersion(out, version.GetBuildInfo())
}

func writeVersion(w io.Writer, info *version.BuildInfo) error {
	fmt.Fprintf(w, "assetpipe %s", info.Version)
	if info.GitCommit != "unknown" && len(info.GitCommit) >= 7 {
		fmt.Fprintf(w, " (%s)", info.GitCommit[:7])
	}
	if info.Dirty {
		fmt.Fprint(w, " (dirty)")
	}
	fmt.Fprintln(w)
	if !info.BuildTime.IsZero() {
		fmt.Fprintf(w, "built %s\n", info.BuildTime.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	_, err := fmt.Fprintf(w, "%s %s\n", info.GoVersion, info.Platform)
	return err
}

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/assetpipe/internal/publish"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload a production build to S3 compatible storage",
	Long: `Upload every file of the output directory to the configured bucket.
Hashed chunks and emitted assets are marked immutable; the HTML document and
asset-manifest.json are uploaded last and revalidated on every request.

Credentials come from the publish section of the configuration or from
ASSETPIPE_PUBLISH_ACCESS_KEY and ASSETPIPE_PUBLISH_SECRET_KEY.

Examples:
  assetpipe build && assetpipe publish
  assetpipe publish --dir build --prefix site/v2`,
	RunE: runPublish,
}

var (
	publishDir     string
	publishPrefix  string
	publishWorkers int
)

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringVar(&publishDir, "dir", "", "directory to upload (default from output_dir)")
	publishCmd.Flags().StringVar(&publishPrefix, "prefix", "", "key prefix inside the bucket (default from publish.prefix)")
	publishCmd.Flags().IntVarP(&publishWorkers, "workers", "w", 8, "concurrent uploads")
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := viper.GetViper()
	bindFlag(cmd, v, "dir", "output_dir", publishDir)
	bindFlag(cmd, v, "prefix", "publish.prefix", publishPrefix)

	proj, err := loadProject(v)
	if err != nil {
		return err
	}
	store, err := publish.NewS3Store(proj.cfg.Publish)
	if err != nil {
		return err
	}

	dir := filepath.Join(proj.root, filepath.FromSlash(proj.cfg.OutputDir))
	report, err := publish.New(store, proj.cfg.Publish.Prefix, publishWorkers, proj.logger).Publish(ctx, os.DirFS(dir))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %d files (%d bytes) to %s/%s\n",
		report.Files, report.Bytes, proj.cfg.Publish.Bucket, proj.cfg.Publish.Prefix)
	return nil
}

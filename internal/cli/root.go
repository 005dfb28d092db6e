// Package cli defines the xtalrefine commands.
package cli

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"xtalrefine/pkg/config"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	verbose    bool
}

// load reads the configuration and builds the logger for a command.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv("XTALREFINE_CONFIG")
	}
	if path == "" {
		path = "xtalrefine.yaml"
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelInfo
	if o.verbose || cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "xtalrefine",
		Short: "Index and refine crystal orientations in serial crystallography patterns",
		Long: `xtalrefine finds the orientation of crystal lattices in still diffraction
patterns and refines it against the observed peaks.

Patterns are YAML peak lists, optionally with a TIFF raster. Results are
stored in a SQLite database, with the final reflections of each crystal
exported as Parquet.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file (default $XTALREFINE_CONFIG or xtalrefine.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newIndexCmd(opts))
	cmd.AddCommand(newSimulateCmd(opts))
	cmd.AddCommand(newReportCmd(opts))
	cmd.AddCommand(newConfigCmd())

	return cmd
}

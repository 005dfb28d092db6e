package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/indexing"
	"xtalrefine/pkg/pattern"
	"xtalrefine/pkg/pipeline"
	"xtalrefine/pkg/predict"
	"xtalrefine/pkg/progress"
	"xtalrefine/pkg/store"
	"xtalrefine/pkg/symmetry"
)

func newIndexCmd(opts *rootOptions) *cobra.Command {
	var (
		method       string
		workers      int
		database     string
		renderDir    string
		keepRejected bool
		quiet        bool
	)

	cmd := &cobra.Command{
		Use:   "index <pattern.yaml>...",
		Short: "Index and refine patterns",
		Long: `Finds candidate orientations for each pattern, estimates the profile
radius, refines the orientation and records the results.

The method is taken from the configuration unless --method is given:
  none      use the nominal cell orientation
  external  run the configured indexing command
  template  match against precomputed orientation templates`,
		Example: `  # Refine patterns with the nominal orientation
  xtalrefine index run1/*.yaml

  # Template matching with overlays and residual plots
  xtalrefine index --method template --render-dir render run1/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("method") {
				cfg.Indexing.Method = method
			}
			if flags.Changed("workers") {
				cfg.Refinement.NumWorkers = workers
			}
			if flags.Changed("database") {
				cfg.Output.Database = database
			}
			if flags.Changed("render-dir") {
				cfg.Output.RenderDir = renderDir
			}
			if flags.Changed("keep-rejected") {
				cfg.Refinement.KeepRejected = keepRejected
			}

			u, err := cfg.UnitCell()
			if err != nil {
				return err
			}
			m, err := cfg.Method()
			if err != nil {
				return err
			}
			model, err := cfg.PartialityModel()
			if err != nil {
				return err
			}
			topts, err := cfg.TemplateOptions()
			if err != nil {
				return err
			}

			var reporter *progress.Reporter
			if !quiet {
				reporter = progress.New(cmd.ErrOrStderr())
			}
			topts.Logger = logger
			topts.Progress = reporter

			svc := predict.NewService(model)
			idx, err := indexing.New(m, indexing.Options{
				Cell:          u,
				ProfileRadius: cfg.Beam.ProfileRadius,
				Reference:     cfg.Reference(),
				Symmetry:      symmetry.NewTable(),
				Intersector:   svc,
				Templates:     topts,
				Command:       cfg.Indexing.Command,
				Logger:        logger,
			})
			if err != nil {
				return err
			}
			defer idx.Close()

			jobs := make([]pipeline.Job, len(args))
			for i, path := range args {
				jobs[i] = pipeline.Job{
					Name: path,
					Load: func() (*models.Image, error) {
						// Each pattern gets its own copy of the detector
						return pattern.Load(path, cfg.Reference().Det)
					},
				}
			}

			proc := pipeline.NewProcessor(idx, svc, pipeline.Params{
				NumWorkers:   cfg.Refinement.NumWorkers,
				KeepRejected: cfg.Refinement.KeepRejected,
				RenderDir:    cfg.Output.RenderDir,
				Logger:       logger,
				Progress:     reporter,
			})
			logger.Info("Processing patterns", "count", len(jobs), "method", m.String(), "workers", cfg.Refinement.NumWorkers)
			results := proc.ProcessAll(cmd.Context(), jobs)

			st, err := store.Open(cfg.Output.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			cfgYAML, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("error marshaling config: %w", err)
			}
			run := &store.Run{Method: m.String(), ConfigYAML: string(cfgYAML)}
			if err := st.InsertRun(run); err != nil {
				return fmt.Errorf("recording run: %w", err)
			}

			sum, err := pipeline.Record(st, run.RunID, results, cfg.Output.ReflectionsDir)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d of %d patterns indexed, %d crystals, %d reflections\n",
				run.RunID, sum.Indexed, sum.Patterns, sum.Crystals, sum.Reflections)

			return cmd.Context().Err()
		},
	}

	cmd.Flags().StringVarP(&method, "method", "m", "", "Indexing method: none, external or template")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of patterns processed at once")
	cmd.Flags().StringVar(&database, "database", "", "SQLite results database")
	cmd.Flags().StringVar(&renderDir, "render-dir", "", "Directory for overlays and residual plots")
	cmd.Flags().BoolVar(&keepRejected, "keep-rejected", false, "Record crystals which failed refinement")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Disable the progress bar")

	return cmd
}

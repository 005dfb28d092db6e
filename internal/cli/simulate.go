package cli

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"xtalrefine/pkg/pattern"
	"xtalrefine/pkg/predict"
	"xtalrefine/pkg/simulate"
)

// truthEntry records the orientation a pattern was simulated with.
type truthEntry struct {
	Pattern string     `yaml:"pattern"`
	AStar   [3]float64 `yaml:"astar,flow"`
	BStar   [3]float64 `yaml:"bstar,flow"`
	CStar   [3]float64 `yaml:"cstar,flow"`
	Spots   int        `yaml:"spots"`
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var (
		count          int
		seed           uint64
		noRaster       bool
		embedDetector  bool
		nominal        bool
		perturbDegrees float64
	)

	cmd := &cobra.Command{
		Use:   "simulate <output-dir>",
		Short: "Simulate still patterns of the configured crystal",
		Long: `Predicts the reflections of the configured cell in random orientations
and writes each as a pattern file with a TIFF raster. The orientations
used are written to truth.yaml in the output directory.`,
		Example: `  # Ten patterns with Poisson noise taken from the configuration
  xtalrefine simulate --count 10 sim/

  # One pattern in the nominal orientation, rotated by 0.1 degrees
  xtalrefine simulate --nominal --perturb 0.1 sim/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("invalid count %d", count)
			}

			u, err := cfg.UnitCell()
			if err != nil {
				return err
			}
			model, err := cfg.PartialityModel()
			if err != nil {
				return err
			}
			svc := predict.NewService(model)

			sopts := cfg.SimulationOptions()
			sopts.Render = !noRaster
			if cmd.Flags().Changed("seed") {
				sopts.Seed = seed
			}

			outDir := args[0]
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}

			var truth []truthEntry
			for i := 0; i < count; i++ {
				if err := cmd.Context().Err(); err != nil {
					return err
				}

				patternSeed := sopts.Seed + uint64(i)
				c := simulate.RandomOrientation(u, patternSeed)
				if nominal {
					c = u.Clone()
				}
				if perturbDegrees != 0 {
					if c, err = simulate.Perturb(c, perturbDegrees*math.Pi/180, r3.Vec{X: 1, Y: 1, Z: 1}); err != nil {
						return err
					}
				}

				po := sopts
				po.Seed = patternSeed
				img, list, err := simulate.Pattern(c, cfg.Reference(), svc, po)
				if err != nil {
					return err
				}

				name := fmt.Sprintf("pattern_%04d", i)
				if err := pattern.Save(filepath.Join(outDir, name+".yaml"), img, name+".tiff", embedDetector); err != nil {
					return err
				}
				logger.Debug("Simulated pattern", "pattern", name, "spots", len(list))

				as, bs, cs := c.Reciprocal()
				truth = append(truth, truthEntry{
					Pattern: name + ".yaml",
					AStar:   [3]float64{as.X, as.Y, as.Z},
					BStar:   [3]float64{bs.X, bs.Y, bs.Z},
					CStar:   [3]float64{cs.X, cs.Y, cs.Z},
					Spots:   len(list),
				})
			}

			data, err := yaml.Marshal(truth)
			if err != nil {
				return fmt.Errorf("error marshaling orientations: %w", err)
			}
			if err := os.WriteFile(filepath.Join(outDir, "truth.yaml"), data, 0644); err != nil {
				return fmt.Errorf("error writing orientations: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d patterns to %s\n", count, outDir)
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of patterns")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Random seed (default from the configuration)")
	cmd.Flags().BoolVar(&noRaster, "no-raster", false, "Write peak lists only")
	cmd.Flags().BoolVar(&embedDetector, "embed-detector", false, "Write the detector geometry into each pattern")
	cmd.Flags().BoolVar(&nominal, "nominal", false, "Use the nominal orientation instead of random ones")
	cmd.Flags().Float64Var(&perturbDegrees, "perturb", 0, "Rotate each crystal by this many degrees about (1,1,1)")

	return cmd
}

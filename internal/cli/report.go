package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"xtalrefine/pkg/store"
)

func newReportCmd(opts *rootOptions) *cobra.Command {
	var (
		database string
		crystals bool
	)

	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Summarise a recorded run",
		Example: `  xtalrefine report 0b6c3c9e-5f0d-4c1e-9d55-0f3b7c1a2e44
  xtalrefine report --crystals 0b6c3c9e-5f0d-4c1e-9d55-0f3b7c1a2e44`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("database") {
				cfg.Output.Database = database
			}

			st, err := store.Open(cfg.Output.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(args[0])
			if err != nil {
				return err
			}
			counts, err := st.CountByStatus(run.RunID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:     %s\n", run.RunID)
			fmt.Fprintf(out, "Method:  %s\n", run.Method)
			fmt.Fprintf(out, "Started: %s\n", time.Unix(0, run.CreatedAt).Format(time.RFC3339))

			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Fprintf(out, "  %-20s %d\n", s, counts[s])
			}

			if !crystals {
				return nil
			}
			records, err := st.ListCrystals(run.RunID)
			if err != nil {
				return err
			}
			for _, r := range records {
				line := fmt.Sprintf("%s %-20s %s", r.CrystalID, r.Status, r.Pattern)
				if c, err := r.Cell(); err == nil {
					line += fmt.Sprintf(" pairs=%d radius=%.3g residual=%.3g %s", r.Pairs, r.ProfileRadius, r.Residual, c)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&database, "database", "", "SQLite results database")
	cmd.Flags().BoolVar(&crystals, "crystals", false, "List every crystal")

	return cmd
}

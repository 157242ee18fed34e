package main

import (
	"fmt"

	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/decision"
	"github.com/spf13/cobra"
)

func newWeightsCmd(open logOpener) *cobra.Command {
	var alpha float64

	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Rebuild agent success weights by replaying outcomes",
		Long: `Replays every outcome in the decision log through the learner and
prints the resulting per-agent success weight. The log is not modified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lg, err := open()
			if err != nil {
				return err
			}
			defer lg.Close()

			learner, err := decision.NewLearner(decision.LearnerConfig{Alpha: alpha}, nil)
			if err != nil {
				return err
			}
			if err := learner.Rebuild(cmd.Context(), lg); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			agents := learner.Agents()
			if len(agents) == 0 {
				fmt.Fprintln(out, "No outcomes recorded.")
				return nil
			}
			fmt.Fprintf(out, "%-24s  %s\n", "AGENT", "WEIGHT")
			for _, id := range agents {
				fmt.Fprintf(out, "%-24s  %.4f\n", id, learner.Weight(id))
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&alpha, "alpha", decision.DefaultAlpha, "Learning rate used for the replay")
	return cmd
}

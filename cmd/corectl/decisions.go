package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/decision"
	"github.com/spf13/cobra"
)

// logOpener opens the decision log selected by --db
type logOpener func() (*decision.SQLiteLog, error)

// decisionSummary folds the recorded and outcome entries of one decision
type decisionSummary struct {
	ID         string
	AgentID    string
	TaskID     string
	Kind       string
	RecordedAt time.Time
	Outcome    *float64
}

func (s decisionSummary) stage() decision.Stage {
	if s.Outcome != nil {
		return decision.StageScored
	}
	return decision.StageRecorded
}

func newDecisionsCmd(open logOpener) *cobra.Command {
	var taskFilter string

	decisionsCmd := &cobra.Command{
		Use:   "decisions",
		Short: "List or show recorded decisions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded decisions, oldest first",
		Long: `List every decision that reached the log.

Examples:
  corectl decisions list
  corectl decisions list --task 3f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lg, err := open()
			if err != nil {
				return err
			}
			defer lg.Close()

			entries, err := lg.Entries(cmd.Context())
			if err != nil {
				return fmt.Errorf("read decision log: %w", err)
			}
			summaries := summarize(entries)
			if taskFilter != "" {
				filtered := summaries[:0]
				for _, s := range summaries {
					if s.TaskID == taskFilter {
						filtered = append(filtered, s)
					}
				}
				summaries = filtered
			}
			printSummaries(cmd.OutOrStdout(), summaries)
			return nil
		},
	}
	listCmd.Flags().StringVar(&taskFilter, "task", "", "Only show decisions for this task id")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show every log entry for one decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lg, err := open()
			if err != nil {
				return err
			}
			defer lg.Close()

			entries, err := lg.Lookup(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("lookup %s: %w", args[0], err)
			}
			if len(entries) == 0 {
				return fmt.Errorf("decision %s not found", args[0])
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}

	decisionsCmd.AddCommand(listCmd, showCmd)
	return decisionsCmd
}

// summarize folds log entries into one summary per decision in recording order
func summarize(entries []decision.Entry) []decisionSummary {
	index := make(map[string]int)
	var out []decisionSummary
	for _, e := range entries {
		i, ok := index[e.DecisionID]
		if !ok {
			out = append(out, decisionSummary{ID: e.DecisionID, AgentID: e.AgentID, TaskID: e.TaskID})
			i = len(out) - 1
			index[e.DecisionID] = i
		}
		switch e.Kind {
		case decision.EntryRecorded:
			out[i].RecordedAt = e.At
			if e.Decision != nil {
				out[i].Kind = e.Decision.Kind
			}
		case decision.EntryOutcome:
			o := e.Outcome
			out[i].Outcome = &o
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].RecordedAt.Before(out[b].RecordedAt) })
	return out
}

func printSummaries(w io.Writer, summaries []decisionSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No decisions recorded.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-16s  %-36s  %-14s  %-8s  %s\n", "ID", "AGENT", "TASK", "KIND", "STAGE", "OUTCOME")
	for _, s := range summaries {
		outcome := "-"
		if s.Outcome != nil {
			outcome = fmt.Sprintf("%.2f", *s.Outcome)
		}
		fmt.Fprintf(w, "%-36s  %-16s  %-36s  %-14s  %-8s  %s\n",
			s.ID, s.AgentID, s.TaskID, s.Kind, s.stage(), outcome)
	}
	fmt.Fprintf(w, "\n%d decisions\n", len(summaries))
}

func printEntries(w io.Writer, entries []decision.Entry) error {
	for _, e := range entries {
		fmt.Fprintf(w, "#%d  %s  %s\n", e.Seq, e.Kind, e.At.Format(time.RFC3339))
		switch e.Kind {
		case decision.EntryRecorded:
			if e.Decision == nil {
				fmt.Fprintln(w, "  (no snapshot)")
				continue
			}
			data, err := json.MarshalIndent(e.Decision, "  ", "  ")
			if err != nil {
				return fmt.Errorf("encode decision %s: %w", e.DecisionID, err)
			}
			fmt.Fprintf(w, "  %s\n", data)
		case decision.EntryOutcome:
			fmt.Fprintf(w, "  agent %s outcome %.2f\n", e.AgentID, e.Outcome)
		}
	}
	return nil
}

package main

import (
	"errors"
	"fmt"

	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/decision"
	"github.com/spf13/cobra"
)

var errLogInconsistent = errors.New("decision log is inconsistent")

func newVerifyCmd(open logOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the decision log for inconsistencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lg, err := open()
			if err != nil {
				return err
			}
			defer lg.Close()

			var entries []decision.Entry
			err = lg.Replay(cmd.Context(), func(e decision.Entry) error {
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return fmt.Errorf("replay decision log: %w", err)
			}

			out := cmd.OutOrStdout()
			problems := verifyEntries(entries)
			for _, p := range problems {
				fmt.Fprintf(out, "  ✗ %s\n", p)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%w: %d problems in %d entries", errLogInconsistent, len(problems), len(entries))
			}
			fmt.Fprintf(out, "✓ %d entries verified\n", len(entries))
			return nil
		},
	}
}

// verifyEntries checks the invariants of a replayed log: sequence numbers
// increase, each (decision, kind) appears once, outcomes follow their
// recorded entry and lie in [0,1], and snapshots match their entry.
func verifyEntries(entries []decision.Entry) []string {
	var problems []string
	type key struct {
		id   string
		kind decision.EntryKind
	}
	seen := make(map[key]bool)
	recorded := make(map[string]string)
	var lastSeq int64

	for _, e := range entries {
		if e.Seq <= lastSeq {
			problems = append(problems, fmt.Sprintf("entry #%d out of order after #%d", e.Seq, lastSeq))
		}
		lastSeq = e.Seq

		k := key{e.DecisionID, e.Kind}
		if seen[k] {
			problems = append(problems, fmt.Sprintf("decision %s has more than one %s entry", e.DecisionID, e.Kind))
		}
		seen[k] = true

		switch e.Kind {
		case decision.EntryRecorded:
			if e.Decision == nil {
				problems = append(problems, fmt.Sprintf("recorded entry #%d for %s has no snapshot", e.Seq, e.DecisionID))
			} else if e.Decision.ID != e.DecisionID || e.Decision.AgentID != e.AgentID {
				problems = append(problems, fmt.Sprintf("recorded entry #%d snapshot does not match decision %s", e.Seq, e.DecisionID))
			}
			recorded[e.DecisionID] = e.AgentID
		case decision.EntryOutcome:
			agentID, ok := recorded[e.DecisionID]
			if !ok {
				problems = append(problems, fmt.Sprintf("outcome #%d for %s precedes its recorded entry", e.Seq, e.DecisionID))
			} else if agentID != e.AgentID {
				problems = append(problems, fmt.Sprintf("outcome #%d for %s names agent %s, recorded by %s", e.Seq, e.DecisionID, e.AgentID, agentID))
			}
			if e.Outcome < 0 || e.Outcome > 1 {
				problems = append(problems, fmt.Sprintf("outcome #%d for %s is %.3f, outside [0,1]", e.Seq, e.DecisionID, e.Outcome))
			}
		default:
			problems = append(problems, fmt.Sprintf("entry #%d has unknown kind %q", e.Seq, e.Kind))
		}
	}
	return problems
}

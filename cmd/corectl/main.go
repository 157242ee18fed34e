package main

import (
	"fmt"
	"os"

	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/decision"
	"github.com/spf13/cobra"
)

const defaultDBPath = "data/decisions.db"

func newRootCmd() *cobra.Command {
	var dbPath string

	rootCmd := &cobra.Command{
		Use:   "corectl",
		Short: "Inspect the decision log of an agent coordination core",
		Long: `corectl reads the SQLite decision log written by core-server.

It lists and shows recorded decisions, replays outcomes to rebuild
agent success weights, and checks the log for inconsistencies.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath, "Path to the SQLite decision log")

	open := func() (*decision.SQLiteLog, error) {
		if _, err := os.Stat(dbPath); err != nil {
			return nil, fmt.Errorf("decision log %s: %w", dbPath, err)
		}
		return decision.OpenSQLiteLog(dbPath)
	}

	rootCmd.AddCommand(newDecisionsCmd(open))
	rootCmd.AddCommand(newWeightsCmd(open))
	rootCmd.AddCommand(newVerifyCmd(open))
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

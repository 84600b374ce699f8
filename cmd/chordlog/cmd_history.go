package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chordlog/internal/state"
	"github.com/user/chordlog/internal/types"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyRecordingsCmd, historyTailCmd, historySQLiteCmd)
	historyCmd.PersistentFlags().IntVarP(&historyLimit, "limit", "n", 20, "number of batches to show (0 for all)")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect recorded batches",
}

var historyRecordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "List recordings in the JSONL batch log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		batchLog := state.NewBatchLog(cfg.DataDir)

		recs, err := batchLog.Recordings()
		if err != nil {
			return fmt.Errorf("list recordings: %w", err)
		}
		if len(recs) == 0 {
			fmt.Println("No recordings found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tBATCHES\tUPDATED")
		for _, r := range recs {
			count, err := batchLog.Count(cmd.Context(), r.ID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", r.ID, count, r.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var historyTailCmd = &cobra.Command{
	Use:   "tail [recording-id]",
	Short: "Show the last batches of a recording (latest by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		batchLog := state.NewBatchLog(cfg.DataDir)

		var recording types.RecordingID
		if len(args) == 1 {
			id, err := types.ParseRecordingID(args[0])
			if err != nil {
				return fmt.Errorf("invalid recording id %q: %w", args[0], err)
			}
			recording = id
		} else {
			recs, err := batchLog.Recordings()
			if err != nil {
				return fmt.Errorf("list recordings: %w", err)
			}
			if len(recs) == 0 {
				return errors.New("no recordings found")
			}
			recording = recs[0].ID
		}

		sets, err := batchLog.Tail(cmd.Context(), recording, historyLimit)
		if err != nil {
			return fmt.Errorf("tail %s: %w", recording, err)
		}
		fmt.Printf("Recording %s\n\n", recording)
		return printBatches(os.Stdout, sets, nil)
	},
}

var historySQLiteCmd = &cobra.Command{
	Use:   "sqlite [recording-id]",
	Short: "Show the last batches of a recording from the SQLite store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		dbPath := filepath.Join(cfg.DataDir, "chordlog.db")
		if _, err := os.Stat(dbPath); err != nil {
			return fmt.Errorf("no sqlite store at %s (enable sinks.sqlite)", dbPath)
		}
		store, err := state.OpenSQLite(cmd.Context(), dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		var recording types.RecordingID
		if len(args) == 1 {
			id, err := types.ParseRecordingID(args[0])
			if err != nil {
				return fmt.Errorf("invalid recording id %q: %w", args[0], err)
			}
			recording = id
		} else {
			recording, err = store.LatestRecording(cmd.Context())
			if errors.Is(err, state.ErrNotFound) {
				return errors.New("no recordings found")
			}
			if err != nil {
				return err
			}
		}

		sets, err := store.Tail(cmd.Context(), recording, historyLimit)
		if err != nil {
			return fmt.Errorf("tail %s: %w", recording, err)
		}
		fmt.Printf("Recording %s\n\n", recording)
		return printBatches(os.Stdout, sets, nil)
	},
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chordlog/internal/engine"
	"github.com/user/chordlog/internal/source"
	"github.com/user/chordlog/internal/types"
)

var (
	analyzeJSON    bool
	analyzeMaxHold time.Duration
	analyzeDiscard bool
	analyzeLenient bool
	analyzeTrace   bool
)

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print sealed batches as JSON")
	analyzeCmd.Flags().DurationVar(&analyzeMaxHold, "max-hold", 0, "evict presses held longer than this (0 disables)")
	analyzeCmd.Flags().BoolVar(&analyzeDiscard, "discard", false, "discard the unsealed batch at end of input instead of flushing it")
	analyzeCmd.Flags().BoolVar(&analyzeLenient, "lenient", false, "skip malformed event lines instead of failing")
	analyzeCmd.Flags().BoolVar(&analyzeTrace, "trace", false, "log every event at debug level")
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [file]",
	Short: "Group a recorded JSONL event stream into batches",
	Long: `Reads raw events (one JSON object per line) from a file, or stdin when no
file is given, runs them through the engine and prints the sealed batches.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if analyzeTrace {
			cfg.LogLevel = "debug"
		}
		setupLogging(cfg)

		var opts []source.JSONLOption
		if analyzeLenient {
			opts = append(opts, source.Lenient())
		}
		var src *source.JSONLSource
		if len(args) == 1 && args[0] != "-" {
			s, closer, err := source.OpenFile(args[0], opts...)
			if err != nil {
				return err
			}
			defer closer.Close()
			src = s
		} else {
			src = source.NewJSONL(cmd.InOrStdin(), opts...)
		}

		policy := engine.ShutdownFlush
		if analyzeDiscard {
			policy = engine.ShutdownDiscard
		}
		engineOpts := []engine.Option{engine.WithMaxHold(analyzeMaxHold)}
		if analyzeTrace {
			engineOpts = append(engineOpts, engine.WithObserver(engine.LogObserver{}))
		}
		sets, stats, err := analyze(cmd, src, policy, engineOpts...)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if analyzeJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if sets == nil {
				sets = []types.ParallelActionSet{}
			}
			return enc.Encode(sets)
		}
		return printBatches(out, sets, &stats)
	},
}

// analyze runs src through a fresh engine and returns every sealed set.
func analyze(cmd *cobra.Command, src source.EventSource, policy engine.ShutdownPolicy, opts ...engine.Option) ([]types.ParallelActionSet, engine.Stats, error) {
	eng := engine.New(opts...)
	err := src.Stream(cmd.Context(), func(ev types.RawEvent) error {
		eng.PushEvent(ev)
		return nil
	})
	if err != nil {
		return nil, engine.Stats{}, err
	}
	eng.Close(policy)
	return eng.CurrentHistory(), eng.Stats(), nil
}

func printBatches(out io.Writer, sets []types.ParallelActionSet, stats *engine.Stats) error {
	if len(sets) == 0 {
		fmt.Fprintln(out, "No batches sealed.")
	} else {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tSTART\tSPAN\tKEYS\tDURATIONS")
		for _, set := range sets {
			printBatchRow(w, set)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if stats != nil {
		fmt.Fprintf(out, "\n%d events, %d actions, %d batches", stats.Events, stats.Actions, stats.Sealed)
		if n := stats.UnmatchedRelease + stats.DuplicatePress + stats.TimingErrors + stats.StuckKeys; n > 0 {
			fmt.Fprintf(out, " (%d unmatched, %d duplicate, %d timing, %d stuck)",
				stats.UnmatchedRelease, stats.DuplicatePress, stats.TimingErrors, stats.StuckKeys)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func printBatchRow(w io.Writer, set types.ParallelActionSet) {
	keys := make([]string, len(set.Actions))
	durations := make([]string, len(set.Actions))
	for i, a := range set.Actions {
		keys[i] = string(a.Key)
		durations[i] = a.Duration.Round(time.Millisecond).String()
	}
	seq := fmt.Sprintf("%d", set.Seq)
	if set.Partial {
		seq += "*"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
		seq,
		set.Start().Format("15:04:05.000"),
		set.End().Sub(set.Start()).Round(time.Millisecond),
		strings.Join(keys, " "),
		strings.Join(durations, " "),
	)
}

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/yairfalse/podsync/reconciler"
	"github.com/yairfalse/podsync/types"
	"github.com/yairfalse/podsync/wal"
)

var (
	journalDir   string
	journalSince time.Duration
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the event journal",
}

var journalReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-classify journaled events with the current rules",
	Long: `Read every journaled event and classify it again. The ACTIONS column
shows what this build would do; RECORDED shows what was done when the event
arrived. Scope drops and state changes are listed in between.`,
	Example: `  podsync journal replay               # Everything in the journal
  podsync journal replay --since 1h    # The last hour`,
	RunE: runJournalReplay,
}

var journalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the journal directory",
	RunE:  runJournalStats,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalReplayCmd, journalStatsCmd)

	journalCmd.PersistentFlags().StringVar(&journalDir, "dir", "", "Journal directory (default: journal.dir from config)")
	journalReplayCmd.Flags().DurationVar(&journalSince, "since", 0, "Only entries newer than this")
}

func resolveJournalDir() (string, error) {
	if journalDir != "" {
		return journalDir, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Journal.Dir, nil
}

func runJournalReplay(cmd *cobra.Command, args []string) error {
	dir, err := resolveJournalDir()
	if err != nil {
		return err
	}

	var since time.Time
	if journalSince > 0 {
		since = time.Now().Add(-journalSince)
	}

	out := cmd.OutOrStdout()
	t := newTable(out)
	t.AppendHeader(table.Row{"TIME", "SCOPE", "ENTRY", "KIND", "STATUS", "ID", "ACTIONS", "RECORDED"})

	var mismatches int
	err = wal.Replay(dir, since, func(e *wal.Entry) error {
		ts := e.Timestamp.Local().Format(time.DateTime)
		switch e.Type {
		case wal.EntryEvent:
			data, err := e.DecodeEvent()
			if err != nil {
				t.AppendRow(table.Row{ts, e.Scope, e.Type, "", "", "", err.Error(), ""})
				return nil
			}
			ev := data.Event
			actions, handled := classifyForDisplay(ev)
			recorded := strings.Join(data.Actions, ", ")
			if actions != recorded {
				mismatches++
			}
			if !handled {
				actions += text.FgYellow.Sprint(" (unhandled)")
			}
			t.AppendRow(table.Row{ts, ev.Scope, e.Type, ev.Kind, ev.Status, shortID(ev.ID), actions, recorded})
		default:
			detail := string(e.Data)
			if e.Error != "" {
				detail = e.Error
			}
			t.AppendRow(table.Row{ts, e.Scope, e.Type, "", "", shortID(e.EntityID), detail, ""})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", dir, err)
	}

	t.Render()
	if mismatches > 0 {
		_, _ = fmt.Fprintf(out, "\n%d event(s) would be handled differently now\n", mismatches)
	}
	return nil
}

// classifyForDisplay renders the actions the current rules pick for ev, in
// the same form the engine journals them.
func classifyForDisplay(ev types.Event) (string, bool) {
	actions, err := reconciler.Classify(ev)
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, a.String())
	}
	return strings.Join(names, ", "), err == nil
}

func runJournalStats(cmd *cobra.Command, args []string) error {
	dir, err := resolveJournalDir()
	if err != nil {
		return err
	}

	stats := wal.GetStatsFromDir(dir, wal.DefaultConfig())
	printJournalStats(cmd.OutOrStdout(), dir, stats)
	return nil
}

func printJournalStats(out io.Writer, dir string, stats wal.Stats) {
	t := newTable(out)
	t.SetTitle("Journal " + dir)
	t.AppendRows([]table.Row{
		{"Files", stats.TotalFiles},
		{"Size", formatBytes(uint64(max(stats.TotalSizeBytes, 0)))},
		{"Sequence", fmt.Sprintf("%d - %d", stats.FirstSequence, stats.LastSequence)},
		{"Corrupt lines", stats.Corrupt},
	})
	if !stats.OldestFile.IsZero() {
		t.AppendRow(table.Row{"Oldest", stats.OldestFile.Local().Format(time.DateTime)})
		t.AppendRow(table.Row{"Newest", stats.NewestFile.Local().Format(time.DateTime)})
	}
	for typ, n := range stats.ByType {
		t.AppendRow(table.Row{"Entries: " + string(typ), n})
	}
	for scope, n := range stats.ByScope {
		t.AppendRow(table.Row{"Scope: " + scope, n})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

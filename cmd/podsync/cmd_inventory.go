package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/yairfalse/podsync/internal/daemon"
	"github.com/yairfalse/podsync/internal/filter"
	"github.com/yairfalse/podsync/observer"
	"github.com/yairfalse/podsync/providers"
	"github.com/yairfalse/podsync/storage"
	"github.com/yairfalse/podsync/synchronizer"
	"github.com/yairfalse/podsync/types"
)

// statsGrace bounds the wait for stats samples once the inventory settled
const statsGrace = 2 * time.Second

var (
	inventoryAll    bool
	inventoryFilter string
	inventoryScope  string
	inventoryJSON   bool
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Load both scopes once and print the inventory",
	Long: `Probe both scopes, load every reachable one and print containers and
images. A scope that cannot be reached is reported and skipped.`,
	Example: `  podsync inventory                 # Running containers of both scopes
  podsync inventory --all           # Include stopped containers
  podsync inventory --scope user    # Rootless containers only
  podsync inventory --filter nginx  # Match names, images and ids
  podsync inventory --json          # Machine-readable output`,
	RunE: runInventory,
}

func init() {
	rootCmd.AddCommand(inventoryCmd)

	inventoryCmd.Flags().BoolVarP(&inventoryAll, "all", "a", false, "Show all containers, not only running ones")
	inventoryCmd.Flags().StringVarP(&inventoryFilter, "filter", "f", "", "Show entities whose name, image or id contains this text")
	inventoryCmd.Flags().StringVar(&inventoryScope, "scope", "", "Only show one scope (system or user)")
	inventoryCmd.Flags().BoolVar(&inventoryJSON, "json", false, "Print JSON instead of tables")
}

func runInventory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := filter.Options{RunningOnly: !inventoryAll, Text: inventoryFilter}
	if inventoryScope != "" {
		scope, err := types.ParseScope(inventoryScope)
		if err != nil {
			return err
		}
		opts.Scopes = []types.Scope{scope}
	}

	client, err := providers.New(cfg.Provider, providers.Config{
		SystemSocket: cfg.Socket(types.ScopeSystem),
		UserSocket:   cfg.Socket(types.ScopeUser),
		APIVersion:   cfg.APIVersion,
	})
	if err != nil {
		return err
	}
	if c, ok := client.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	s := synchronizer.New(client, storage.NewInventory(), synchronizer.Options{
		Scopes:       cfg.EnabledScopes(),
		FetchTimeout: cfg.FetchTimeout,
		Logger:       newLogger(cfg, true),
	})

	// every fetch of a full load is bounded by the fetch timeout; allow
	// both kinds plus the ping
	v, err := loadOnce(cmd.Context(), s, 3*cfg.FetchTimeout, statsGrace)
	if err != nil {
		return err
	}

	inv := daemon.BuildInventory(v, filter.New(opts))
	out := cmd.OutOrStdout()
	if inventoryJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(inv)
	}
	printInventory(out, inv)
	return nil
}

// loadOnce starts s and returns the first settled view. Stats are fetched
// after a scope is merged, so a settled view without them gets up to grace
// longer before it is returned as is.
func loadOnce(ctx context.Context, s *synchronizer.Synchronizer, timeout, grace time.Duration) (observer.View, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	views := make(chan observer.View, 1)
	unsubscribe := s.Subscribe(observer.ObserverFunc(func(v observer.View) {
		if !v.Settled() {
			return
		}
		// keep only the newest; the hub delivers from a single goroutine
		select {
		case <-views:
		default:
		}
		views <- v
	}))
	defer unsubscribe()

	if err := s.Start(ctx); err != nil {
		return observer.View{}, err
	}
	defer s.Stop()

	var (
		latest   observer.View
		settled  bool
		deadline <-chan time.Time
	)
	for {
		select {
		case v := <-views:
			latest, settled = v, true
			if statsComplete(v) {
				return v, nil
			}
			if deadline == nil {
				deadline = time.After(grace)
			}
		case <-deadline:
			return latest, nil
		case <-ctx.Done():
			if settled {
				return latest, nil
			}
			return observer.View{}, fmt.Errorf("inventory did not settle within %s", timeout)
		}
	}
}

// statsComplete reports whether every running container has a stats sample
func statsComplete(v observer.View) bool {
	for key, c := range v.Containers {
		if !c.IsRunning() {
			continue
		}
		if _, ok := v.Stats[key]; !ok {
			return false
		}
	}
	return true
}

func printInventory(out io.Writer, inv daemon.Inventory) {
	for _, scope := range types.Scopes() {
		st := inv.Scopes[scope.String()]
		if st.State != types.ScopeAvailable.String() {
			_, _ = fmt.Fprintf(out, "%s %s scope is %s\n",
				text.FgYellow.Sprint("!"), scope, st.State)
		}
	}

	t := newTable(out)
	t.SetTitle("Containers")
	t.AppendHeader(table.Row{"SCOPE", "ID", "NAME", "IMAGE", "STATE", "CPU", "MEMORY", "PORTS"})
	for _, c := range inv.Containers {
		cpu, mem := "", ""
		if c.Stats != nil {
			if c.Stats.Unavailable {
				cpu, mem = "n/a", "n/a"
			} else {
				cpu = fmt.Sprintf("%.1f%%", c.Stats.CPUPercent)
				mem = formatBytes(c.Stats.MemUsage)
			}
		}
		t.AppendRow(table.Row{
			c.Key.Scope, c.Key.ShortID(), c.Name(), c.Image, colorState(c.State), cpu, mem, strings.Join(c.Ports, ", "),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "TOTAL", len(inv.Containers)})
	t.Render()

	_, _ = fmt.Fprintln(out)

	t = newTable(out)
	t.SetTitle("Images")
	t.AppendHeader(table.Row{"SCOPE", "ID", "REPOSITORY", "SIZE", "CREATED", "USED BY"})
	for _, img := range inv.Images {
		repo := "<none>"
		if len(img.RepoTags) > 0 {
			repo = strings.Join(img.RepoTags, ", ")
		}
		created := ""
		if !img.Created.IsZero() {
			created = img.Created.Format(time.DateOnly)
		}
		t.AppendRow(table.Row{
			img.Key.Scope, img.Key.ShortID(), repo, formatBytes(uint64(max(img.Size, 0))), created, len(img.UsedBy),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "TOTAL", len(inv.Images)})
	t.Render()
}

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	return t
}

func colorState(state string) string {
	switch state {
	case types.ContainerStateRunning:
		return text.FgGreen.Sprint(state)
	case "exited", "stopped":
		return text.FgHiBlack.Sprint(state)
	case "paused":
		return text.FgYellow.Sprint(state)
	default:
		return state
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

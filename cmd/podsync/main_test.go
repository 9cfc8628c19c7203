package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/podsync/observer"
	"github.com/yairfalse/podsync/providers/fake"
	"github.com/yairfalse/podsync/storage"
	"github.com/yairfalse/podsync/synchronizer"
	"github.com/yairfalse/podsync/types"
	"github.com/yairfalse/podsync/wal"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in), "formatBytes(%d)", tt.in)
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"daemon": false, "inventory": false, "journal": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		assert.True(t, found, "command %q not registered", name)
	}
}

func TestClassifyForDisplay(t *testing.T) {
	got, handled := classifyForDisplay(types.Event{
		Kind: types.KindContainer, Status: types.StatusStart, ID: "abc123", Scope: types.ScopeUser,
	})
	assert.True(t, handled)
	assert.Equal(t, "refetch_entity(container,abc123)", got)

	got, handled = classifyForDisplay(types.Event{
		Kind: types.KindContainer, Status: "teleport", ID: "abc123", Scope: types.ScopeUser,
	})
	assert.False(t, handled)
	assert.Equal(t, "ignore(container)", got)
}

func TestJournalReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir)
	require.NoError(t, err)

	start := types.Event{Kind: types.KindContainer, Status: types.StatusStart, ID: "abc123", Scope: types.ScopeSystem, Time: time.Now()}
	restart := types.Event{Kind: types.KindContainer, Status: types.StatusRestart, ID: "def456", Scope: types.ScopeUser, Time: time.Now()}

	require.NoError(t, w.RecordEvent(start, []string{"refetch_entity(container,abc123)"}))
	// journaled by an older build that still refetched on restart
	require.NoError(t, w.RecordEvent(restart, []string{"refetch_entity(container,def456)"}))
	require.NoError(t, w.RecordState(types.ScopeUser, "unavailable"))
	require.NoError(t, w.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"journal", "replay", "--dir", dir})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		journalDir = ""
	})

	require.NoError(t, rootCmd.Execute())

	s := out.String()
	assert.Contains(t, s, "abc123")
	assert.Contains(t, s, "def456")
	assert.Contains(t, s, "state")
	assert.Contains(t, s, "1 event(s) would be handled differently now")
}

func TestPrintJournalStats(t *testing.T) {
	var out bytes.Buffer
	printJournalStats(&out, "/var/lib/podsync/journal", wal.Stats{
		TotalFiles:     2,
		TotalSizeBytes: 2048,
		FirstSequence:  1,
		LastSequence:   40,
		ByType:         map[wal.EntryType]int{wal.EntryEvent: 38},
		ByScope:        map[string]int{"user": 38},
	})

	s := out.String()
	assert.Contains(t, s, "2.0 KiB")
	assert.Contains(t, s, "1 - 40")
	assert.Contains(t, s, "Entries: event")
	assert.Contains(t, s, "Scope: user")
}

func TestLoadOnce_WaitsForStats(t *testing.T) {
	client := fake.New()
	key := types.NewKey(types.ScopeSystem, "abc123")
	client.PutContainer(types.Container{Key: key, Names: []string{"web"}, State: types.ContainerStateRunning})
	client.PutStats(types.ContainerStats{Key: key, CPUPercent: 12.5, MemUsage: 4096})
	client.SetReachable(types.ScopeUser, false)

	s := synchronizer.New(client, storage.NewInventory(), synchronizer.Options{})
	v, err := loadOnce(context.Background(), s, 5*time.Second, 5*time.Second)
	require.NoError(t, err)

	assert.True(t, v.Settled())
	assert.Equal(t, types.ScopeUnavailable, v.State(types.ScopeUser))
	require.Contains(t, v.Stats, key)
	assert.InDelta(t, 12.5, v.Stats[key].CPUPercent, 0.001)
}

func TestLoadOnce_NothingSettles(t *testing.T) {
	client := fake.New()
	// pings outlast the load timeout; Stop waits for them
	client.SetHook(func(op fake.Op, scope types.Scope, id string) {
		if op == fake.OpPing {
			time.Sleep(200 * time.Millisecond)
		}
	})

	s := synchronizer.New(client, storage.NewInventory(), synchronizer.Options{})
	_, err := loadOnce(context.Background(), s, 50*time.Millisecond, time.Second)
	assert.ErrorContains(t, err, "did not settle")
}

func TestStatsComplete(t *testing.T) {
	running := types.NewKey(types.ScopeUser, "run")
	stopped := types.NewKey(types.ScopeUser, "stop")
	v := observer.View{Snapshot: storage.Snapshot{
		Containers: map[types.Key]types.Container{
			running: {Key: running, State: types.ContainerStateRunning},
			stopped: {Key: stopped, State: "exited"},
		},
		Stats: map[types.Key]types.ContainerStats{},
	}}
	assert.False(t, statsComplete(v))

	v.Stats[running] = types.ContainerStats{Key: running, Unavailable: true}
	assert.True(t, statsComplete(v))
}

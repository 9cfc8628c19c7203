package podman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/podsync/providers"
	"github.com/yairfalse/podsync/types"
)

// daemon is a minimal libpod API served on a unix socket.
type daemon struct {
	mu         sync.Mutex
	containers []map[string]any
	images     []map[string]any
	inspects   map[string]map[string]any
	stats      map[string]any
	statsErr   *apiError
	events     chan string
	srv        *httptest.Server
	socket     string
}

func newDaemon(t *testing.T) *daemon {
	t.Helper()
	// unix socket paths are limited to ~108 bytes; t.TempDir() can exceed it
	dir, err := os.MkdirTemp("", "podsync")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	d := &daemon{
		inspects: make(map[string]map[string]any),
		events:   make(chan string, 16),
		socket:   filepath.Join(dir, "podman.sock"),
	}

	ln, err := net.Listen("unix", d.socket)
	require.NoError(t, err)

	d.srv = httptest.NewUnstartedServer(d.handler())
	_ = d.srv.Listener.Close()
	d.srv.Listener = ln
	d.srv.Start()
	t.Cleanup(d.close)
	return d
}

func (d *daemon) close() {
	d.srv.CloseClientConnections()
	d.srv.Close()
}

func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1.12/libpod/_ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /v1.12/libpod/containers/json", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if r.URL.Query().Get("all") != "true" {
			http.Error(w, "all=true expected", http.StatusBadRequest)
			return
		}
		writeTestJSON(w, filterByID(r, d.containers))
	})
	mux.HandleFunc("GET /v1.12/libpod/images/json", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		writeTestJSON(w, filterByID(r, d.images))
	})
	mux.HandleFunc("GET /v1.12/libpod/images/{id}/json", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		info, ok := d.inspects[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeTestJSON(w, apiError{Cause: "no such image", Message: "image not known", Response: 404})
			return
		}
		writeTestJSON(w, info)
	})
	mux.HandleFunc("GET /v1.12/libpod/containers/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.statsErr != nil {
			w.WriteHeader(d.statsErr.Response)
			writeTestJSON(w, d.statsErr)
			return
		}
		if r.URL.Query().Get("stream") != "false" {
			http.Error(w, "stream=false expected", http.StatusBadRequest)
			return
		}
		writeTestJSON(w, d.stats)
	})
	mux.HandleFunc("GET /v1.12/libpod/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case line, ok := <-d.events:
				if !ok {
					return
				}
				_, _ = fmt.Fprintln(w, line)
				w.(http.Flusher).Flush()
			}
		}
	})
	return mux
}

func filterByID(r *http.Request, items []map[string]any) []map[string]any {
	raw := r.URL.Query().Get("filters")
	if raw == "" {
		return items
	}
	var filters map[string][]string
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		return nil
	}
	out := []map[string]any{}
	for _, item := range items {
		for _, id := range filters["id"] {
			if strings.HasPrefix(item["Id"].(string), id) {
				out = append(out, item)
			}
		}
	}
	return out
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, system, user string) *Client {
	t.Helper()
	c, err := New(providers.Config{SystemSocket: system, UserSocket: user})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_RegistersPodman(t *testing.T) {
	assert.Contains(t, providers.Names(), "podman")

	client, err := providers.New("podman", providers.Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIVersion, client.(*Client).apiVersion)
}

func TestPing(t *testing.T) {
	d := newDaemon(t)
	c := newTestClient(t, d.socket, "")

	require.NoError(t, c.Ping(context.Background(), types.ScopeSystem))

	err := c.Ping(context.Background(), types.ScopeUser)
	assert.ErrorIs(t, err, providers.ErrConnectionClosed, "no socket configured")
}

func TestPing_MissingSocket(t *testing.T) {
	c := newTestClient(t, filepath.Join(t.TempDir(), "absent.sock"), "")

	err := c.Ping(context.Background(), types.ScopeSystem)
	assert.ErrorIs(t, err, providers.ErrConnectionClosed)
}

func TestListContainers_ScopeTagged(t *testing.T) {
	system := newDaemon(t)
	user := newDaemon(t)
	container := func(name string) map[string]any {
		return map[string]any{
			"Id":      "abc123",
			"Names":   []string{name},
			"Image":   "docker.io/library/nginx:latest",
			"ImageID": "img1",
			"State":   "running",
			"Status":  "Up 2 minutes",
			"PodName": "web-pod",
			"Labels":  map[string]string{"app": name},
			"Created": "2024-05-01T10:00:00Z",
			"Ports": []map[string]any{
				{"host_ip": "", "container_port": 80, "host_port": 8080, "range": 1, "protocol": "tcp"},
				{"container_port": 443, "protocol": "tcp"},
			},
		}
	}
	system.containers = []map[string]any{container("root-web")}
	user.containers = []map[string]any{container("user-web")}

	c := newTestClient(t, system.socket, user.socket)
	ctx := context.Background()

	sys, err := c.ListContainers(ctx, types.ScopeSystem)
	require.NoError(t, err)
	usr, err := c.ListContainers(ctx, types.ScopeUser)
	require.NoError(t, err)

	require.Len(t, sys, 1)
	require.Len(t, usr, 1)
	assert.Equal(t, types.NewKey(types.ScopeSystem, "abc123"), sys[0].Key)
	assert.Equal(t, types.NewKey(types.ScopeUser, "abc123"), usr[0].Key)
	assert.Equal(t, "user-web", usr[0].Name())
	assert.Equal(t, types.NewKey(types.ScopeUser, "img1"), usr[0].ImageKey)
	assert.Equal(t, "web-pod", sys[0].Pod)
	assert.Equal(t, []string{"0.0.0.0:8080->80/tcp", "443/tcp"}, sys[0].Ports)
	assert.True(t, sys[0].IsRunning())
	assert.Equal(t, 2024, sys[0].Created.Year())
}

func TestGetContainer(t *testing.T) {
	d := newDaemon(t)
	d.containers = []map[string]any{
		{"Id": "abc123", "Names": []string{"one"}, "State": "exited"},
		{"Id": "abc123def", "Names": []string{"two"}, "State": "running"},
	}
	c := newTestClient(t, d.socket, "")

	got, err := c.GetContainer(context.Background(), types.ScopeSystem, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name(), "prefix matches are not the container")

	_, err = c.GetContainer(context.Background(), types.ScopeSystem, "gone")
	assert.ErrorIs(t, err, providers.ErrNotFound)
}

func TestListImages_MergesInspect(t *testing.T) {
	d := newDaemon(t)
	d.images = []map[string]any{
		{"Id": "img1", "RepoTags": []string{"docker.io/library/nginx:latest"}, "Size": 1000, "Created": 1714557600},
		{"Id": "img2", "RepoTags": []string{"docker.io/library/alpine:3"}, "Size": 10, "Created": 1714557600},
		{"Id": "vanished", "RepoTags": []string{"gone:latest"}},
	}
	d.inspects["img1"] = map[string]any{
		"Id":     "img1",
		"Author": "NGINX Docker Maintainers",
		"Config": map[string]any{
			"Entrypoint":   []string{"/docker-entrypoint.sh"},
			"Cmd":          []string{"nginx", "-g", "daemon off;"},
			"ExposedPorts": map[string]any{"80/tcp": map[string]any{}, "443/tcp": map[string]any{}},
		},
	}
	d.inspects["img2"] = map[string]any{"Id": "img2", "Config": map[string]any{"Cmd": []string{"/bin/sh"}}}
	c := newTestClient(t, "", d.socket)

	images, err := c.ListImages(context.Background(), types.ScopeUser)
	require.NoError(t, err)
	require.Len(t, images, 2, "an image removed before its inspect is left out")

	nginx := images[0]
	assert.Equal(t, types.NewKey(types.ScopeUser, "img1"), nginx.Key)
	assert.Equal(t, int64(1000), nginx.Size)
	assert.Equal(t, []string{"/docker-entrypoint.sh"}, nginx.Entrypoint)
	assert.Equal(t, []string{"nginx", "-g", "daemon off;"}, nginx.Command)
	assert.Equal(t, []string{"443/tcp", "80/tcp"}, nginx.Ports)
	assert.Equal(t, "NGINX Docker Maintainers", nginx.Author)
	assert.Equal(t, time.Unix(1714557600, 0).UTC(), nginx.Created)
}

func TestGetImage(t *testing.T) {
	d := newDaemon(t)
	d.images = []map[string]any{{"Id": "img1", "RepoTags": []string{"alpine:3"}}}
	d.inspects["img1"] = map[string]any{"Id": "img1"}
	c := newTestClient(t, d.socket, "")

	img, err := c.GetImage(context.Background(), types.ScopeSystem, "img1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpine:3"}, img.RepoTags)

	_, err = c.GetImage(context.Background(), types.ScopeSystem, "img9")
	assert.ErrorIs(t, err, providers.ErrNotFound)
}

func TestGetStats(t *testing.T) {
	d := newDaemon(t)
	d.stats = map[string]any{
		"read": "2024-05-01T10:00:00Z",
		"cpu_stats": map[string]any{
			"cpu_usage":        map[string]any{"total_usage": 300},
			"system_cpu_usage": 2000,
			"online_cpus":      2,
		},
		"precpu_stats": map[string]any{
			"cpu_usage":        map[string]any{"total_usage": 100},
			"system_cpu_usage": 1000,
		},
		"memory_stats": map[string]any{"usage": 4096, "limit": 8192},
		"networks": map[string]any{
			"eth0": map[string]any{"rx_bytes": 10, "tx_bytes": 20},
			"eth1": map[string]any{"rx_bytes": 1, "tx_bytes": 2},
		},
		"blkio_stats": map[string]any{"io_service_bytes_recursive": []map[string]any{
			{"op": "read", "value": 100},
			{"op": "write", "value": 200},
		}},
		"pids_stats": map[string]any{"current": 3},
	}
	c := newTestClient(t, d.socket, "")

	st, err := c.GetStats(context.Background(), types.ScopeSystem, "abc")
	require.NoError(t, err)
	assert.Equal(t, types.NewKey(types.ScopeSystem, "abc"), st.Key)
	assert.InDelta(t, 40.0, st.CPUPercent, 0.001)
	assert.Equal(t, uint64(4096), st.MemUsage)
	assert.Equal(t, uint64(8192), st.MemLimit)
	assert.Equal(t, uint64(11), st.NetInput)
	assert.Equal(t, uint64(22), st.NetOutput)
	assert.Equal(t, uint64(100), st.BlockInput)
	assert.Equal(t, uint64(200), st.BlockOutput)
	assert.Equal(t, uint64(3), st.PIDs)
}

func TestGetStats_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  apiError
		want error
	}{
		{
			name: "rootless without cgroups v2",
			err:  apiError{Message: "stats is not supported in rootless mode without cgroups v2", Response: 500},
			want: providers.ErrStatsUnavailable,
		},
		{
			name: "container gone",
			err:  apiError{Message: "no such container", Response: 404},
			want: providers.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDaemon(t)
			d.statsErr = &tt.err
			c := newTestClient(t, d.socket, "")

			_, err := c.GetStats(context.Background(), types.ScopeSystem, "abc")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGetStats_OtherErrorIsNotUnavailable(t *testing.T) {
	d := newDaemon(t)
	d.statsErr = &apiError{Message: "internal error", Response: 500}
	c := newTestClient(t, d.socket, "")

	_, err := c.GetStats(context.Background(), types.ScopeSystem, "abc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, providers.ErrStatsUnavailable)
	assert.NotErrorIs(t, err, providers.ErrNotFound)

	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.Response)
}

func TestSubscribeEvents(t *testing.T) {
	d := newDaemon(t)
	c := newTestClient(t, "", d.socket)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, errs := c.SubscribeEvents(ctx, types.ScopeUser)

	d.events <- `{"status":"start","id":"abc123","Type":"container","Action":"start","Actor":{"ID":"abc123"},"time":1714557600,"timeNano":1714557600000000001}`
	d.events <- `{"Type":"image","Action":"pull","Actor":{"ID":""},"time":1714557601}`

	select {
	case ev := <-events:
		assert.Equal(t, types.KindContainer, ev.Kind)
		assert.Equal(t, types.StatusStart, ev.Status)
		assert.Equal(t, types.NewKey(types.ScopeUser, "abc123"), ev.Key())
		assert.Equal(t, int64(1714557600000000001), ev.Time.UnixNano())
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	select {
	case ev := <-events:
		assert.Equal(t, types.KindImage, ev.Kind)
		assert.Equal(t, types.StatusPull, ev.Status)
		assert.Empty(t, ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	// daemon stops: graceful close
	close(d.events)
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, providers.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestSubscribeEvents_GarbageIsProtocolError(t *testing.T) {
	d := newDaemon(t)
	c := newTestClient(t, d.socket, "")

	events, errs := c.SubscribeEvents(context.Background(), types.ScopeSystem)
	d.events <- `{"Type":"container"`
	d.events <- `not json`

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.NotErrorIs(t, err, providers.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
	for range events {
		t.Error("no event expected")
	}
}

func TestSubscribeEvents_NoDaemon(t *testing.T) {
	c := newTestClient(t, filepath.Join(t.TempDir(), "absent.sock"), "")

	_, errs := c.SubscribeEvents(context.Background(), types.ScopeSystem)
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, providers.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("no error")
	}
}

func TestSubscribeEvents_CancelEndsStream(t *testing.T) {
	d := newDaemon(t)
	c := newTestClient(t, d.socket, "")

	ctx, cancel := context.WithCancel(context.Background())
	_, errs := c.SubscribeEvents(ctx, types.ScopeSystem)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, providers.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}

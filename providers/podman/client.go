// Package podman implements providers.ScopeClient against the libpod REST
// API served on the system and user sockets.
package podman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/podsync/providers"
	"github.com/yairfalse/podsync/types"
)

const (
	// DefaultAPIVersion is the REST prefix used when none is configured.
	DefaultAPIVersion = "v1.12"

	// inspectConcurrency bounds the per-image inspects of one image list.
	inspectConcurrency = 8

	dialTimeout = 5 * time.Second
)

func init() {
	providers.Register("podman", func(cfg providers.Config) (providers.ScopeClient, error) {
		return New(cfg)
	})
}

// Client talks to one podman service per scope.
type Client struct {
	apiVersion string
	sockets    map[types.Scope]string
	http       map[types.Scope]*http.Client
}

var _ providers.ScopeClient = (*Client)(nil)

// New creates a client. An empty socket path leaves that scope permanently
// unreachable; every call for it fails with providers.ErrConnectionClosed.
func New(cfg providers.Config) (*Client, error) {
	version := strings.Trim(cfg.APIVersion, "/")
	if version == "" {
		version = DefaultAPIVersion
	}

	c := &Client{
		apiVersion: version,
		sockets: map[types.Scope]string{
			types.ScopeSystem: cfg.SystemSocket,
			types.ScopeUser:   cfg.UserSocket,
		},
		http: make(map[types.Scope]*http.Client),
	}
	for scope, socket := range c.sockets {
		if socket != "" {
			c.http[scope] = newHTTPClient(socket)
		}
	}
	return c, nil
}

// newHTTPClient dials socket for every request. No client timeout: the
// event stream is long-lived and requests are bounded by their context.
func newHTTPClient(socket string) *http.Client {
	dialer := &net.Dialer{Timeout: dialTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socket)
		},
		MaxIdleConnsPerHost: inspectConcurrency,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Close drops idle connections.
func (c *Client) Close() error {
	for _, hc := range c.http {
		hc.CloseIdleConnections()
	}
	return nil
}

// apiError is the libpod error body.
type apiError struct {
	Cause    string `json:"cause"`
	Message  string `json:"message"`
	Response int    `json:"response"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("podman API %d: %s", e.Response, e.Message)
	}
	return fmt.Sprintf("podman API %d", e.Response)
}

// do performs a request and returns the response for a 2xx status. The
// caller closes the body.
func (c *Client) do(ctx context.Context, scope types.Scope, path string, query url.Values) (*http.Response, error) {
	hc, ok := c.http[scope]
	if !ok {
		return nil, fmt.Errorf("%w: no socket configured for %s", providers.ErrConnectionClosed, scope)
	}

	u := url.URL{
		Scheme:   "http",
		Host:     "d",
		Path:     "/" + c.apiVersion + "/libpod/" + path,
		RawQuery: query.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, mapTransportError(fmt.Errorf("GET %s: %w", path, err))
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		apiErr := &apiError{Response: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		apiErr.Response = resp.StatusCode
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("GET %s: %w: %w", path, providers.ErrNotFound, apiErr)
		}
		return nil, fmt.Errorf("GET %s: %w", path, apiErr)
	}
	return resp, nil
}

// get performs a GET request and decodes the JSON body into result.
func (c *Client) get(ctx context.Context, scope types.Scope, path string, query url.Values, result interface{}) error {
	resp, err := c.do(ctx, scope, path, query)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return mapTransportError(fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// mapTransportError turns a vanished daemon into ErrConnectionClosed.
// Context errors are left alone.
func mapTransportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, syscall.ENOENT),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %w", providers.ErrConnectionClosed, err)
	default:
		return err
	}
}

func idFilter(id string) url.Values {
	filters, _ := json.Marshal(map[string][]string{"id": {id}})
	return url.Values{"filters": {string(filters)}}
}

// Ping implements providers.ScopeClient.
func (c *Client) Ping(ctx context.Context, scope types.Scope) error {
	resp, err := c.do(ctx, scope, "_ping", nil)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// ListContainers implements providers.ScopeClient.
func (c *Client) ListContainers(ctx context.Context, scope types.Scope) ([]types.Container, error) {
	var wire []wireContainer
	if err := c.get(ctx, scope, "containers/json", url.Values{"all": {"true"}}, &wire); err != nil {
		return nil, err
	}

	out := make([]types.Container, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toContainer(scope))
	}
	return out, nil
}

// GetContainer implements providers.ScopeClient. The daemon filters by id
// prefix; only an exact match counts.
func (c *Client) GetContainer(ctx context.Context, scope types.Scope, id string) (types.Container, error) {
	query := idFilter(id)
	query.Set("all", "true")

	var wire []wireContainer
	if err := c.get(ctx, scope, "containers/json", query, &wire); err != nil {
		return types.Container{}, err
	}
	for _, w := range wire {
		if w.ID == id {
			return w.toContainer(scope), nil
		}
	}
	return types.Container{}, fmt.Errorf("container %s: %w", types.NewKey(scope, id).ShortID(), providers.ErrNotFound)
}

// ListImages implements providers.ScopeClient. Every listed image is
// inspected concurrently for its config; an image removed between list and
// inspect is left out.
func (c *Client) ListImages(ctx context.Context, scope types.Scope) ([]types.Image, error) {
	var wire []wireImage
	if err := c.get(ctx, scope, "images/json", nil, &wire); err != nil {
		return nil, err
	}
	return c.inspectAll(ctx, scope, wire)
}

// GetImage implements providers.ScopeClient.
func (c *Client) GetImage(ctx context.Context, scope types.Scope, id string) (types.Image, error) {
	var wire []wireImage
	if err := c.get(ctx, scope, "images/json", idFilter(id), &wire); err != nil {
		return types.Image{}, err
	}
	var match []wireImage
	for _, w := range wire {
		if w.ID == id {
			match = append(match, w)
		}
	}
	images, err := c.inspectAll(ctx, scope, match)
	if err != nil {
		return types.Image{}, err
	}
	if len(images) == 0 {
		return types.Image{}, fmt.Errorf("image %s: %w", types.NewKey(scope, id).ShortID(), providers.ErrNotFound)
	}
	return images[0], nil
}

func (c *Client) inspectAll(ctx context.Context, scope types.Scope, wire []wireImage) ([]types.Image, error) {
	inspected := make([]*wireImageInspect, len(wire))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inspectConcurrency)
	for i, w := range wire {
		g.Go(func() error {
			var info wireImageInspect
			err := c.get(gctx, scope, "images/"+url.PathEscape(w.ID)+"/json", nil, &info)
			if errors.Is(err, providers.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			inspected[i] = &info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]types.Image, 0, len(wire))
	for i, w := range wire {
		if inspected[i] == nil {
			continue
		}
		out = append(out, w.toImage(scope, inspected[i]))
	}
	return out, nil
}

// GetStats implements providers.ScopeClient.
func (c *Client) GetStats(ctx context.Context, scope types.Scope, id string) (types.ContainerStats, error) {
	var wire wireStats
	path := "containers/" + url.PathEscape(id) + "/stats"
	err := c.get(ctx, scope, path, url.Values{"stream": {"false"}}, &wire)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && mentionsCgroups(apiErr) {
			return types.ContainerStats{}, fmt.Errorf("%w: %w", providers.ErrStatsUnavailable, err)
		}
		return types.ContainerStats{}, err
	}
	return wire.toStats(types.NewKey(scope, id)), nil
}

// mentionsCgroups matches the error rootless podman returns on cgroups v1
// hosts, where container stats cannot be collected.
func mentionsCgroups(err *apiError) bool {
	text := strings.ToLower(err.Message + " " + err.Cause)
	return strings.Contains(text, "cgroups v2") ||
		strings.Contains(text, "cgroupv2") ||
		strings.Contains(text, "cgroups v1")
}

// Package directory discovers instances through the instance directory HTTP API.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pingsantohq/hostsync/internal/discovery"
	"github.com/pingsantohq/hostsync/pkg/types"
)

const (
	sourceName       = "directory"
	defaultRolesPath = "/v1/roles"
	defaultUserAgent = "hostsync-agent"
	maxBodyBytes     = 4 << 20
)

// Config holds the static configuration for a directory client.
type Config struct {
	ServerURL string
	UserAgent string
}

// Dependencies allow test overrides for HTTP client, clock, and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Logger     log.Logger
	Now        func() time.Time
	RolesPath  string
}

type cachedList struct {
	etag      string
	instances []discovery.Instance
	fetchedAt time.Time
}

// Client lists role instances, reusing the previous answer when the server
// replies 304 Not Modified.
type Client struct {
	httpClient *http.Client
	rolesURL   string
	userAgent  string
	logger     log.Logger
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cachedList
}

// NewClient builds a directory client from configuration and dependencies.
func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if deps.HTTPClient == nil {
		return nil, fmt.Errorf("HTTP client is required")
	}
	if deps.Logger == nil {
		deps.Logger = log.NewNopLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	rolesPath := deps.RolesPath
	if rolesPath == "" {
		rolesPath = defaultRolesPath
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		httpClient: deps.HTTPClient,
		rolesURL:   joinURL(cfg.ServerURL, rolesPath),
		userAgent:  userAgent,
		logger:     deps.Logger,
		now:        deps.Now,
		cache:      make(map[string]cachedList),
	}, nil
}

// FetchInstances implements discovery.Source.
func (c *Client) FetchInstances(ctx context.Context, role string) ([]discovery.Instance, error) {
	if role == "" {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("role is required"))
	}
	endpoint := c.rolesURL + "/" + url.PathEscape(role) + "/instances"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("build instances request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	c.mu.Lock()
	cached, hasCached := c.cache[role]
	c.mu.Unlock()
	if hasCached && cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("fetch instances: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("read instances response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && hasCached:
		level.Debug(c.logger).Log("msg", "instance list not modified", "role", role, "etag", cached.etag)
		return cloneInstances(cached.instances), nil
	case resp.StatusCode == http.StatusNotFound:
		c.store(role, cachedList{fetchedAt: c.now()})
		return []discovery.Instance{}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("instances fetch failed: status %s", resp.Status))
	}

	var list types.InstanceList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("decode instance list: %w", err))
	}
	instances := make([]discovery.Instance, 0, len(list.Instances))
	for _, rec := range list.Instances {
		instances = append(instances, discovery.Instance{ID: rec.InstanceID, Address: rec.Address})
	}
	c.store(role, cachedList{
		etag:      resp.Header.Get("ETag"),
		instances: instances,
		fetchedAt: c.now(),
	})
	return cloneInstances(instances), nil
}

// lastFetched reports when role was last answered with a full listing.
func (c *Client) lastFetched(role string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.cache[role]
	return cached.fetchedAt, ok
}

func (c *Client) store(role string, list cachedList) {
	c.mu.Lock()
	c.cache[role] = list
	c.mu.Unlock()
}

func cloneInstances(in []discovery.Instance) []discovery.Instance {
	out := make([]discovery.Instance, len(in))
	copy(out, in)
	return out
}

func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

var _ discovery.Source = (*Client)(nil)

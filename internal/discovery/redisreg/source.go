// Package redisreg discovers instances registered in Redis under keys of the
// form <prefix>:<role>:<instance_id>.
package redisreg

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"

	"github.com/pingsantohq/hostsync/internal/discovery"
)

const (
	sourceName = "redis"
	scanCount  = 100
	mgetBatch  = 100
)

// Commands is the subset of redis.UniversalClient the source needs.
type Commands interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

type Config struct {
	// URL is a redis:// URL; Addr is used when URL is empty.
	URL      string
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Source implements discovery.Source on top of Redis.
type Source struct {
	cmds   Commands
	client redis.UniversalClient
	prefix string
	logger log.Logger
}

// NewClient creates the universal client described by cfg. A rediss:// URL
// yields a TLS client.
func NewClient(cfg Config) (redis.UniversalClient, error) {
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		DB:           opts.DB,
		Username:     opts.Username,
		Password:     opts.Password,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		TLSConfig:    opts.TLSConfig,
	}), nil
}

// New connects to the server described by cfg and lists keys under cfg.Prefix.
func New(cfg Config, logger log.Logger) (*Source, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	src := NewFromCommands(client, cfg.Prefix, logger)
	src.client = client
	return src, nil
}

// NewFromCommands builds a source over an existing client, mainly for tests.
func NewFromCommands(cmds Commands, prefix string, logger log.Logger) *Source {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Source{cmds: cmds, prefix: strings.TrimRight(prefix, ":"), logger: logger}
}

// RoleKey returns the key prefix holding the instances of role.
func (s *Source) RoleKey(role string) string {
	return s.prefix + ":" + role + ":"
}

// FetchInstances implements discovery.Source. Keys are enumerated with SCAN,
// read with MGET and returned in key order. Keys that expire between the two
// steps are ignored.
func (s *Source) FetchInstances(ctx context.Context, role string) ([]discovery.Instance, error) {
	if role == "" {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("role is required"))
	}
	rolePrefix := s.RoleKey(role)
	keys, err := s.scan(ctx, escapeGlob(rolePrefix)+"*")
	if err != nil {
		return nil, discovery.Unavailable(sourceName, err)
	}
	sort.Strings(keys)

	instances := make([]discovery.Instance, 0, len(keys))
	for start := 0; start < len(keys); start += mgetBatch {
		batch := keys[start:min(start+mgetBatch, len(keys))]
		values, err := s.cmds.MGet(ctx, batch...).Result()
		if err != nil {
			return nil, discovery.Unavailable(sourceName, fmt.Errorf("mget: %w", err))
		}
		for i, raw := range values {
			value, ok := raw.(string)
			if !ok {
				continue
			}
			id := strings.TrimPrefix(batch[i], rolePrefix)
			inst, err := discovery.ParseRecord(id, []byte(value))
			if err != nil {
				return nil, discovery.Unavailable(sourceName, fmt.Errorf("decode %q: %w", batch[i], err))
			}
			instances = append(instances, inst)
		}
	}
	level.Debug(s.logger).Log("msg", "listed redis instances", "prefix", rolePrefix, "count", len(instances))
	return instances, nil
}

func (s *Source) scan(ctx context.Context, match string) ([]string, error) {
	seen := make(map[string]struct{})
	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := s.cmds.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %q: %w", match, err)
		}
		for _, k := range page {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close releases the client created by New.
func (s *Source) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ discovery.Source = (*Source)(nil)

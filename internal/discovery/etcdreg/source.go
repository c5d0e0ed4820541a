// Package etcdreg discovers instances registered in etcd.
//
// Each instance is stored under <prefix>/<role>/<instance_id>. The value is
// either a JSON instance record or the bare address.
package etcdreg

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pingsantohq/hostsync/internal/discovery"
)

const sourceName = "etcd"

type Config struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	Username    string
	Password    string
	TLS         *tls.Config
}

// Source implements discovery.Source on top of an etcd key space.
type Source struct {
	kv     clientv3.KV
	client *clientv3.Client
	prefix string
	logger log.Logger
}

// New connects to the configured endpoints. The connection is established
// lazily by the client, so an unreachable cluster surfaces on the first fetch.
func New(cfg Config, logger log.Logger) (*Source, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		TLS:         cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	src := NewFromKV(client, cfg.Prefix, logger)
	src.client = client
	return src, nil
}

// NewFromKV wraps an existing key-value client.
func NewFromKV(kv clientv3.KV, prefix string, logger log.Logger) *Source {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Source{
		kv:     kv,
		prefix: strings.TrimRight(prefix, "/"),
		logger: logger,
	}
}

// RoleKey returns the key prefix holding the instances of role.
func (s *Source) RoleKey(role string) string {
	return s.prefix + "/" + role + "/"
}

// FetchInstances implements discovery.Source. Instances are ordered by key.
func (s *Source) FetchInstances(ctx context.Context, role string) ([]discovery.Instance, error) {
	if role == "" {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("role is required"))
	}
	key := s.RoleKey(role)
	resp, err := s.kv.Get(ctx, key, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("get %q: %w", key, err))
	}

	instances := make([]discovery.Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), key)
		inst, err := discovery.ParseRecord(id, kv.Value)
		if err != nil {
			return nil, discovery.Unavailable(sourceName, fmt.Errorf("decode %q: %w", kv.Key, err))
		}
		instances = append(instances, inst)
	}
	level.Debug(s.logger).Log("msg", "listed etcd instances", "key", key, "count", len(instances), "revision", resp.Header.GetRevision())
	return instances, nil
}

// Close releases the client created by New.
func (s *Source) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ discovery.Source = (*Source)(nil)

// Package gossip discovers instances through a memberlist gossip cluster.
//
// Every agent joins the cluster under its instance id and advertises its role
// as node metadata. The alive members sharing a role are that role's
// instances.
package gossip

import (
	"bytes"
	"context"
	"fmt"
	stdlog "log"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/memberlist"

	"github.com/pingsantohq/hostsync/internal/discovery"
)

const (
	sourceName   = "gossip"
	leaveTimeout = 5 * time.Second
)

type Config struct {
	// NodeName is the instance id this agent announces.
	NodeName      string
	Role          string
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	Join          []string
}

type Source struct {
	list   *memberlist.Memberlist
	join   []string
	logger log.Logger

	mu     sync.Mutex
	joined bool
}

// New starts the local member and attempts to join the configured peers. A
// failed join is logged and retried on the next fetch.
func New(cfg Config, logger log.Logger) (*Source, error) {
	if cfg.NodeName == "" {
		return nil, fmt.Errorf("gossip node name is required")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.NodeName
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	if cfg.AdvertiseAddr != "" {
		mlCfg.AdvertiseAddr = cfg.AdvertiseAddr
	}
	mlCfg.Delegate = roleDelegate(cfg.Role)
	mlCfg.Logger = stdlog.New(log.NewStdlibAdapter(level.Debug(log.With(logger, "component", "memberlist"))), "", 0)

	list, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	src := &Source{list: list, join: cfg.Join, logger: logger}
	src.ensureJoined()
	return src, nil
}

// LocalAddr returns the host:port peers can join through.
func (s *Source) LocalAddr() string {
	return s.list.LocalNode().Address()
}

func (s *Source) ensureJoined() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined || len(s.join) == 0 {
		return
	}
	n, err := s.list.Join(s.join)
	if err != nil {
		level.Warn(s.logger).Log("msg", "gossip join failed", "peers", fmt.Sprint(s.join), "err", err)
		return
	}
	s.joined = true
	level.Info(s.logger).Log("msg", "joined gossip cluster", "contacted", n)
}

// FetchInstances implements discovery.Source. Members are ordered by name.
func (s *Source) FetchInstances(ctx context.Context, role string) ([]discovery.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, discovery.Unavailable(sourceName, err)
	}
	s.ensureJoined()

	meta := []byte(role)
	var instances []discovery.Instance
	for _, node := range s.list.Members() {
		if node.State != memberlist.StateAlive || !bytes.Equal(node.Meta, meta) {
			continue
		}
		instances = append(instances, discovery.Instance{ID: node.Name, Address: node.Addr.String()})
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	level.Debug(s.logger).Log("msg", "listed gossip members", "role", role, "count", len(instances), "cluster_size", s.list.NumMembers())
	return instances, nil
}

// Close leaves the cluster and stops the local member.
func (s *Source) Close() error {
	if err := s.list.Leave(leaveTimeout); err != nil {
		level.Warn(s.logger).Log("msg", "gossip leave failed", "err", err)
	}
	return s.list.Shutdown()
}

// roleDelegate advertises the role as node metadata and ignores user
// messages.
type roleDelegate string

func (d roleDelegate) NodeMeta(limit int) []byte {
	meta := []byte(d)
	if len(meta) > limit {
		meta = meta[:limit]
	}
	return meta
}

func (roleDelegate) NotifyMsg([]byte)                           {}
func (roleDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (roleDelegate) LocalState(join bool) []byte                { return nil }
func (roleDelegate) MergeRemoteState(buf []byte, join bool)     {}

var (
	_ discovery.Source    = (*Source)(nil)
	_ memberlist.Delegate = roleDelegate("")
)

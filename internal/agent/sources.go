package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pingsantohq/hostsync/internal/certs"
	"github.com/pingsantohq/hostsync/internal/config"
	"github.com/pingsantohq/hostsync/internal/discovery"
	"github.com/pingsantohq/hostsync/internal/discovery/directory"
	"github.com/pingsantohq/hostsync/internal/discovery/etcdreg"
	"github.com/pingsantohq/hostsync/internal/discovery/gossip"
	"github.com/pingsantohq/hostsync/internal/discovery/kube"
	"github.com/pingsantohq/hostsync/internal/discovery/pgreg"
	"github.com/pingsantohq/hostsync/internal/discovery/redisreg"
	"github.com/pingsantohq/hostsync/internal/logging"
)

// SourceParams carries what a backend needs beyond its configuration section.
// For gossip, InstanceID is the validated node name.
type SourceParams struct {
	Role       string
	InstanceID string
	Logger     log.Logger
}

// SourceFactory builds the discovery source selected by cfg. The returned
// close function is never nil.
type SourceFactory func(ctx context.Context, cfg config.DiscoveryConfig, params SourceParams) (discovery.Source, func() error, error)

func noClose() error { return nil }

// NewSource is the default SourceFactory.
func NewSource(ctx context.Context, cfg config.DiscoveryConfig, params SourceParams) (discovery.Source, func() error, error) {
	logger := logging.Component(params.Logger, "discovery."+cfg.Backend)

	switch cfg.Backend {
	case config.BackendStatic:
		static := make(discovery.Static, len(cfg.Static))
		for role, list := range cfg.Static {
			for _, inst := range list {
				static[role] = append(static[role], discovery.Instance{ID: inst.InstanceID, Address: inst.Address})
			}
		}
		return static, noClose, nil

	case config.BackendDirectory:
		httpClient, err := directory.NewHTTPClient(cfg.Directory.URL, certFiles(cfg.Directory.TLSFiles))
		if err != nil {
			return nil, nil, fmt.Errorf("directory http client: %w", err)
		}
		client, err := directory.NewClient(
			directory.Config{ServerURL: cfg.Directory.URL},
			directory.Dependencies{HTTPClient: httpClient, Logger: logger},
		)
		if err != nil {
			return nil, nil, fmt.Errorf("init directory client: %w", err)
		}
		return client, noClose, nil

	case config.BackendEtcd:
		etcdCfg := etcdreg.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			DialTimeout: cfg.Etcd.DialTimeout,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
		}
		if cfg.Etcd.TLSFiles.Enabled() {
			tlsConfig, err := certs.LoadClientTLSConfig(certFiles(cfg.Etcd.TLSFiles), "")
			if err != nil {
				return nil, nil, fmt.Errorf("etcd TLS config: %w", err)
			}
			etcdCfg.TLS = tlsConfig
		}
		src, err := etcdreg.New(etcdCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil

	case config.BackendRedis:
		redisCfg := redisreg.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}
		if strings.Contains(cfg.Redis.Addr, "://") {
			redisCfg.URL, redisCfg.Addr = cfg.Redis.Addr, ""
		}
		src, err := redisreg.New(redisCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil

	case config.BackendPostgres:
		src, err := pgreg.New(ctx, pgreg.Config{DSN: cfg.Postgres.DSN, Table: cfg.Postgres.Table}, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Postgres.EnsureSchema {
			if err := src.EnsureSchema(ctx); err != nil {
				level.Warn(logger).Log("msg", "ensure postgres schema", "err", err)
			}
		}
		return src, src.Close, nil

	case config.BackendKubernetes:
		src, err := kube.New(kube.Config{
			Namespace:     cfg.Kubernetes.Namespace,
			LabelSelector: cfg.Kubernetes.LabelSelector,
			RoleLabel:     cfg.Kubernetes.RoleLabel,
			Kubeconfig:    cfg.Kubernetes.Kubeconfig,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return src, noClose, nil

	case config.BackendGossip:
		src, err := gossip.New(gossip.Config{
			NodeName:      params.InstanceID,
			Role:          params.Role,
			BindAddr:      cfg.Gossip.BindAddr,
			BindPort:      cfg.Gossip.BindPort,
			AdvertiseAddr: cfg.Gossip.AdvertiseAddr,
			Join:          cfg.Gossip.Join,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown discovery backend %q", cfg.Backend)
	}
}

func certFiles(files config.TLSFiles) certs.Files {
	return certs.Files{CertPath: files.CertPath, KeyPath: files.KeyPath, CAPath: files.CAPath}
}

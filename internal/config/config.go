package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath      = "HOSTSYNC_CONFIG"
	EnvConfigPublicKey = "HOSTSYNC_CONFIG_PUBKEY"
	DefaultConfigPath  = "/etc/hostsync/agent.yaml"

	DefaultInterval    = 15 * time.Second
	DefaultHostsPath   = "/etc/hosts"
	DefaultAgentName   = "hostsync agent"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "logfmt"
	DefaultMonitorAddr = "127.0.0.1:9311"
	DefaultBackend     = BackendDirectory

	DefaultEtcdPrefix    = "/hostsync/instances"
	DefaultRedisPrefix   = "hostsync:instances"
	DefaultPostgresTable = "instances"
	DefaultRoleLabel     = "hostsync.io/role"
	DefaultGossipPort    = 7946
)

const (
	BackendStatic     = "static"
	BackendDirectory  = "directory"
	BackendEtcd       = "etcd"
	BackendRedis      = "redis"
	BackendPostgres   = "postgres"
	BackendKubernetes = "kubernetes"
	BackendGossip     = "gossip"
)

type Config struct {
	Agent     AgentConfig       `yaml:"agent"`
	Platform  PlatformConfig    `yaml:"platform"`
	Settings  map[string]string `yaml:"settings"`
	Discovery DiscoveryConfig   `yaml:"discovery"`
	Monitor   MonitorConfig     `yaml:"monitor"`
}

type AgentConfig struct {
	Name      string        `yaml:"name"`
	HostsPath string        `yaml:"hosts_path"`
	HostsMode string        `yaml:"hosts_mode"` // octal, e.g. "0644"
	Role      string        `yaml:"role"`
	Interval  time.Duration `yaml:"interval"`
	FailFast  bool          `yaml:"fail_fast"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
}

// FileMode parses HostsMode. Empty means the writer default.
func (a AgentConfig) FileMode() (os.FileMode, error) {
	if a.HostsMode == "" {
		return 0, nil
	}
	mode, err := strconv.ParseUint(a.HostsMode, 8, 32)
	if err != nil || mode == 0 || mode > 0o777 {
		return 0, fmt.Errorf("agent.hosts_mode must be an octal permission like 0644, got %q", a.HostsMode)
	}
	return os.FileMode(mode), nil
}

type PlatformConfig struct {
	Mode string `yaml:"mode"`
}

type DiscoveryConfig struct {
	Backend    string                      `yaml:"backend"`
	Timeout    time.Duration               `yaml:"timeout"`
	Static     map[string][]StaticInstance `yaml:"static"`
	Directory  DirectoryConfig             `yaml:"directory"`
	Etcd       EtcdConfig                  `yaml:"etcd"`
	Redis      RedisConfig                 `yaml:"redis"`
	Postgres   PostgresConfig              `yaml:"postgres"`
	Kubernetes KubernetesConfig            `yaml:"kubernetes"`
	Gossip     GossipConfig                `yaml:"gossip"`
}

type StaticInstance struct {
	InstanceID string `yaml:"instance_id"`
	Address    string `yaml:"address"`
}

// TLSFiles points at PEM files for mutual TLS.
type TLSFiles struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
}

func (t TLSFiles) Enabled() bool {
	return t.CertPath != "" || t.KeyPath != "" || t.CAPath != ""
}

type DirectoryConfig struct {
	URL      string `yaml:"url"`
	TLSFiles `yaml:",inline"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TLSFiles    `yaml:",inline"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	Table        string `yaml:"table"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

type KubernetesConfig struct {
	Namespace     string `yaml:"namespace"`
	LabelSelector string `yaml:"label_selector"`
	RoleLabel     string `yaml:"role_label"`
	Kubeconfig    string `yaml:"kubeconfig"`
}

type GossipConfig struct {
	BindAddr      string   `yaml:"bind_addr"`
	BindPort      int      `yaml:"bind_port"`
	AdvertiseAddr string   `yaml:"advertise_addr"`
	NodeName      string   `yaml:"node_name"`
	Join          []string `yaml:"join"`
}

type MonitorConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

// Defaults returns a configuration with every optional field filled.
func Defaults() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Agent.Name == "" {
		c.Agent.Name = DefaultAgentName
	}
	if c.Agent.HostsPath == "" {
		c.Agent.HostsPath = DefaultHostsPath
	}
	if c.Agent.Interval == 0 {
		c.Agent.Interval = DefaultInterval
	}
	if c.Agent.LogLevel == "" {
		c.Agent.LogLevel = DefaultLogLevel
	}
	if c.Agent.LogFormat == "" {
		c.Agent.LogFormat = DefaultLogFormat
	}
	if c.Discovery.Backend == "" {
		c.Discovery.Backend = DefaultBackend
	}
	if c.Discovery.Etcd.Prefix == "" {
		c.Discovery.Etcd.Prefix = DefaultEtcdPrefix
	}
	if c.Discovery.Etcd.DialTimeout == 0 {
		c.Discovery.Etcd.DialTimeout = 5 * time.Second
	}
	if c.Discovery.Redis.Prefix == "" {
		c.Discovery.Redis.Prefix = DefaultRedisPrefix
	}
	if c.Discovery.Postgres.Table == "" {
		c.Discovery.Postgres.Table = DefaultPostgresTable
	}
	if c.Discovery.Kubernetes.RoleLabel == "" {
		c.Discovery.Kubernetes.RoleLabel = DefaultRoleLabel
	}
	if c.Discovery.Gossip.BindPort == 0 {
		c.Discovery.Gossip.BindPort = DefaultGossipPort
	}
	if c.Monitor.Addr == "" {
		c.Monitor.Addr = DefaultMonitorAddr
	}
}

// Validate checks the settings required by the selected backend.
func (c Config) Validate() error {
	var errs []error
	if c.Agent.Interval < 0 {
		errs = append(errs, fmt.Errorf("agent.interval must be positive, got %s", c.Agent.Interval))
	}
	if _, err := c.Agent.FileMode(); err != nil {
		errs = append(errs, err)
	}
	if c.Discovery.Timeout < 0 {
		errs = append(errs, fmt.Errorf("discovery.timeout must not be negative"))
	}
	switch c.Discovery.Backend {
	case BackendStatic:
	case BackendDirectory:
		if strings.TrimSpace(c.Discovery.Directory.URL) == "" {
			errs = append(errs, errors.New("discovery.directory.url is required"))
		}
	case BackendEtcd:
		if len(c.Discovery.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("discovery.etcd.endpoints is required"))
		}
	case BackendRedis:
		if c.Discovery.Redis.Addr == "" {
			errs = append(errs, errors.New("discovery.redis.addr is required"))
		}
	case BackendPostgres:
		if c.Discovery.Postgres.DSN == "" {
			errs = append(errs, errors.New("discovery.postgres.dsn is required"))
		}
	case BackendKubernetes:
	case BackendGossip:
		if c.Discovery.Gossip.BindPort < 0 || c.Discovery.Gossip.BindPort > 65535 {
			errs = append(errs, fmt.Errorf("discovery.gossip.bind_port out of range: %d", c.Discovery.Gossip.BindPort))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown discovery.backend %q", c.Discovery.Backend))
	}
	return errors.Join(errs...)
}

// Parse decodes YAML, rejecting unknown fields, then applies defaults and
// validates the result. Empty input yields Defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(ctx context.Context, path string) (Config, error) {
	data, err := read(ctx, path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadSigned verifies path against its detached <path>.minisig signature
// before parsing it.
func LoadSigned(ctx context.Context, path, publicKey string) (Config, error) {
	verifier, err := NewVerifier(publicKey)
	if err != nil {
		return Config{}, err
	}
	data, err := read(ctx, path)
	if err != nil {
		return Config{}, err
	}
	sigPath := SignaturePath(path)
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return Config{}, fmt.Errorf("read signature %q: %w", sigPath, err)
	}
	if err := verifier.Verify(data, sig); err != nil {
		return Config{}, fmt.Errorf("verify config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv resolves the config path and public key from the given flag
// values, falling back to HOSTSYNC_CONFIG and HOSTSYNC_CONFIG_PUBKEY. A
// missing file at the default path yields Defaults.
func LoadFromEnv(ctx context.Context, path, publicKey string) (Config, string, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	if publicKey == "" {
		publicKey = os.Getenv(EnvConfigPublicKey)
	}

	var (
		cfg Config
		err error
	)
	if publicKey != "" {
		cfg, err = LoadSigned(ctx, path, publicKey)
	} else {
		cfg, err = Load(ctx, path)
	}
	if err != nil && !explicit && publicKey == "" && errors.Is(err, fs.ErrNotExist) {
		return Defaults(), path, nil
	}
	return cfg, path, err
}

func read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return data, nil
}

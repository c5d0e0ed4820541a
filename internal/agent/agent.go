// Package agent wires configuration, platform detection, discovery and the
// reconcile loop into the hostsync commands.
package agent

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/hostsync/internal/alias"
	"github.com/pingsantohq/hostsync/internal/certs"
	"github.com/pingsantohq/hostsync/internal/config"
	"github.com/pingsantohq/hostsync/internal/discovery"
	"github.com/pingsantohq/hostsync/internal/events"
	"github.com/pingsantohq/hostsync/internal/health"
	"github.com/pingsantohq/hostsync/internal/hostsfile"
	"github.com/pingsantohq/hostsync/internal/logging"
	"github.com/pingsantohq/hostsync/internal/metrics"
	"github.com/pingsantohq/hostsync/internal/monitor"
	"github.com/pingsantohq/hostsync/internal/platform"
	"github.com/pingsantohq/hostsync/internal/reconcile"
	"github.com/pingsantohq/hostsync/internal/scheduler"
	"github.com/pingsantohq/hostsync/pkg/types"
)

// SettingRoleName is consulted when agent.role is not configured.
const SettingRoleName = "RoleName"

// maxIntervalSeconds is the largest interval a time.Duration can hold.
const maxIntervalSeconds = math.MaxInt64 / int64(time.Second)

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Stdout    io.Writer
	LogOutput io.Writer
	Getenv    func(string) string
	Hostname  func() (string, error)
	NewSource SourceFactory
	NewTicker func(time.Duration) scheduler.Ticker
	Version   string
	Revision  string
}

func (d *Dependencies) defaults() {
	if d.Stdout == nil {
		d.Stdout = os.Stdout
	}
	if d.LogOutput == nil {
		d.LogOutput = os.Stderr
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.NewSource == nil {
		d.NewSource = NewSource
	}
	if d.NewTicker == nil {
		d.NewTicker = scheduler.NewTicker
	}
}

type flags struct {
	configPath string
	publicKey  string
	args       []string
}

func parseFlags(name string, args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to agent configuration file (default $"+config.EnvConfigPath+" or "+config.DefaultConfigPath+")")
	fs.StringVar(&f.publicKey, "config-pubkey", "", "Minisign public key or key file verifying the configuration (default $"+config.EnvConfigPublicKey+")")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	f.args = fs.Args()
	return f, nil
}

// ParseInterval reads the optional poll interval argument in seconds. It
// returns fallback, or config.DefaultInterval when fallback is not positive,
// and false when arg is absent, malformed or not positive.
func ParseInterval(arg string, fallback time.Duration) (time.Duration, bool) {
	if fallback <= 0 {
		fallback = config.DefaultInterval
	}
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n <= 0 || int64(n) > maxIntervalSeconds {
		return fallback, false
	}
	return time.Duration(n) * time.Second, true
}

// agent is the state shared by every command once the environment is known
// to be managed.
type agent struct {
	cfg         config.Config
	logger      log.Logger
	replicaSet  string
	role        string
	source      discovery.Source
	closeSource func() error
	writer      *hostsfile.Writer
}

// bootstrap returns a nil agent and nil error when the process runs outside
// the managed environment.
func bootstrap(ctx context.Context, name string, f flags, deps Dependencies) (*agent, error) {
	cfg, path, err := config.LoadFromEnv(ctx, f.configPath, f.publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(deps.LogOutput, cfg.Agent.LogFormat, cfg.Agent.LogLevel)
	logger = log.With(logger, "run_id", uuid.NewString(), "command", name)

	mode, err := platform.ParseMode(cfg.Platform.Mode)
	if err != nil {
		return nil, err
	}
	env, err := platform.Detect(mode,
		platform.WithGetenv(deps.Getenv),
		platform.WithHostname(deps.Hostname),
		platform.WithSettings(cfg.Settings),
	)
	if err != nil {
		return nil, err
	}
	if !env.Available() {
		level.Info(logger).Log("msg", "managed environment not detected, nothing to do", "mode", env.Mode())
		return nil, nil
	}

	replicaSet, err := env.ReplicaSetName()
	if err != nil {
		return nil, err
	}
	role := cfg.Agent.Role
	if role == "" {
		role, _ = env.Setting(SettingRoleName)
		role = strings.TrimSpace(role)
	}
	if role == "" {
		return nil, fmt.Errorf("%w: agent.role is not configured and setting %s is not defined", platform.ErrConfiguration, SettingRoleName)
	}
	instanceID, err := env.InstanceID()
	if err != nil {
		return nil, err
	}
	if cfg.Discovery.Backend == config.BackendGossip {
		if cfg.Discovery.Gossip.NodeName != "" {
			instanceID = cfg.Discovery.Gossip.NodeName
		}
		if _, err := alias.ParseInstanceOrdinal(instanceID); err != nil {
			return nil, fmt.Errorf("%w: gossip node name %q must end in _<ordinal> (set %s or discovery.gossip.node_name): %v",
				platform.ErrConfiguration, instanceID, platform.EnvInstanceID, err)
		}
	}

	logger = log.With(logger, "replica_set", replicaSet, "role", role)
	level.Info(logger).Log("msg", "agent starting", "config", path, "backend", cfg.Discovery.Backend, "hosts_path", cfg.Agent.HostsPath, "instance", instanceID)

	perm, err := cfg.Agent.FileMode()
	if err != nil {
		return nil, err
	}
	writer := hostsfile.New(cfg.Agent.HostsPath, hostsfile.WithAgentName(cfg.Agent.Name), hostsfile.WithPerm(perm))

	src, closeSource, err := deps.NewSource(ctx, cfg.Discovery, SourceParams{Role: role, InstanceID: instanceID, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("init discovery backend %s: %w", cfg.Discovery.Backend, err)
	}
	if closeSource == nil {
		closeSource = noClose
	}

	return &agent{
		cfg:         cfg,
		logger:      logger,
		replicaSet:  replicaSet,
		role:        role,
		source:      discovery.WithTimeout(src, cfg.Discovery.Timeout),
		closeSource: closeSource,
		writer:      writer,
	}, nil
}

func (a *agent) close() {
	if err := a.closeSource(); err != nil {
		level.Warn(a.logger).Log("msg", "close discovery backend", "err", err)
	}
}

func (a *agent) newLoop(recorder events.Recorder) (*reconcile.Loop, error) {
	return reconcile.New(
		reconcile.Config{ReplicaSet: a.replicaSet, Role: a.role, FailFast: a.cfg.Agent.FailFast},
		reconcile.Dependencies{
			Source:   a.source,
			Writer:   a.writer,
			Recorder: recorder,
			Logger:   logging.Component(a.logger, "reconcile"),
		},
	)
}

// certPath is the client certificate whose expiry feeds readiness.
func (a *agent) certPath() string {
	switch a.cfg.Discovery.Backend {
	case config.BackendDirectory:
		return a.cfg.Discovery.Directory.CertPath
	case config.BackendEtcd:
		return a.cfg.Discovery.Etcd.CertPath
	}
	return ""
}

// Run reconciles until the context is cancelled, a signal arrives or a cycle
// is fatal.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	deps.defaults()
	f, err := parseFlags("run", args)
	if err != nil {
		return err
	}
	a, err := bootstrap(ctx, "run", f, deps)
	if err != nil || a == nil {
		return err
	}
	defer a.close()

	var arg string
	if len(f.args) > 0 {
		arg = f.args[0]
	}
	interval, ok := ParseInterval(arg, a.cfg.Agent.Interval)
	if arg != "" && !ok {
		level.Warn(a.logger).Log("msg", "ignoring invalid interval argument", "arg", arg, "interval", interval)
	}

	store := metrics.NewStore()
	store.SetBuildInfo(deps.Version, deps.Revision)
	checker := health.NewChecker(store, interval)
	if path := a.certPath(); path != "" {
		if expiry, err := certs.CertificateExpiry(path); err != nil {
			level.Warn(a.logger).Log("msg", "failed to determine certificate expiry", "path", path, "err", err)
		} else {
			checker.SetCertExpiry(expiry.UTC())
		}
	}

	loop, err := a.newLoop(events.NewMulti(store, checker))
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)
	grp.Go(func() error {
		level.Info(a.logger).Log("msg", "reconcile loop started", "interval", interval)
		return loop.Run(groupCtx, deps.NewTicker(interval))
	})
	if !a.cfg.Monitor.Disabled {
		srv := monitor.New(monitor.Config{Addr: a.cfg.Monitor.Addr}, monitor.Dependencies{
			Logger:   logging.Component(a.logger, "monitor"),
			Metrics:  store,
			Health:   checker,
			Snapshot: membershipView(loop, a.writer.Path()),
		})
		// A failed listener only loses diagnostics; reconciliation keeps running.
		grp.Go(func() error {
			if err := srv.Serve(groupCtx); err != nil {
				level.Error(a.logger).Log("msg", "monitor server failed", "addr", a.cfg.Monitor.Addr, "err", err)
			}
			return nil
		})
	}

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	level.Info(a.logger).Log("msg", "agent stopped")
	return nil
}

// Once runs a single reconcile cycle. Applied and unchanged cycles succeed;
// anything else is returned as an error.
func Once(ctx context.Context, args []string, deps Dependencies) error {
	deps.defaults()
	f, err := parseFlags("once", args)
	if err != nil {
		return err
	}
	a, err := bootstrap(ctx, "once", f, deps)
	if err != nil || a == nil {
		return err
	}
	defer a.close()

	loop, err := a.newLoop(nil)
	if err != nil {
		return err
	}
	res := loop.RunCycle(ctx)
	switch res.Outcome {
	case reconcile.OutcomeApplied, reconcile.OutcomeUnchanged:
		return nil
	default:
		return fmt.Errorf("reconcile cycle %s (%s): %w", res.Outcome, res.Reason, res.Err)
	}
}

// Render prints the hosts file the current membership would produce without
// writing it.
func Render(ctx context.Context, args []string, deps Dependencies) error {
	deps.defaults()
	f, err := parseFlags("render", args)
	if err != nil {
		return err
	}
	a, err := bootstrap(ctx, "render", f, deps)
	if err != nil || a == nil {
		return err
	}
	defer a.close()

	loop, err := a.newLoop(nil)
	if err != nil {
		return err
	}
	snap, err := loop.Discover(ctx)
	if err != nil {
		return err
	}
	_, err = deps.Stdout.Write(hostsfile.Render(a.writer.AgentName(), snap))
	return err
}

func membershipView(loop *reconcile.Loop, hostsPath string) func() types.MembershipView {
	cfg := loop.Config()
	return func() types.MembershipView {
		view := types.MembershipView{ReplicaSet: cfg.ReplicaSet, Role: cfg.Role, HostsPath: hostsPath}
		snap, at, ok := loop.LastApplied()
		if !ok {
			return view
		}
		at = at.UTC()
		view.Applied = true
		view.AppliedAt = &at
		view.Members = make([]types.HostEntry, 0, snap.Len())
		for m := range snap.All() {
			view.Members = append(view.Members, types.HostEntry{Alias: m.Alias, Address: m.Address})
		}
		return view
	}
}

// Package reconcile keeps the local hosts file converged on the membership
// reported by a discovery source.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/hostsync/internal/alias"
	"github.com/pingsantohq/hostsync/internal/discovery"
	"github.com/pingsantohq/hostsync/internal/events"
	"github.com/pingsantohq/hostsync/internal/scheduler"
	"github.com/pingsantohq/hostsync/internal/snapshot"
)

// Writer persists an applied snapshot.
type Writer interface {
	Write(s snapshot.Snapshot) error
}

// Config holds the static parameters of a loop.
type Config struct {
	ReplicaSet string
	Role       string
	// FailFast promotes every skipped cycle to a fatal one.
	FailFast bool
}

// Dependencies are the collaborators of a loop. Source and Writer are required.
type Dependencies struct {
	Source   discovery.Source
	Writer   Writer
	Recorder events.Recorder
	Logger   log.Logger
	Now      func() time.Time
}

type applied struct {
	snap snapshot.Snapshot
	at   time.Time
}

// Loop owns the last applied snapshot. Cycles must not run concurrently; Run
// guarantees this, direct RunCycle callers must serialize themselves.
type Loop struct {
	cfg      Config
	source   discovery.Source
	writer   Writer
	recorder events.Recorder
	logger   log.Logger
	now      func() time.Time

	applied atomic.Pointer[applied]
	quiet   rate.Sometimes
}

// New validates cfg and deps and returns a loop with nothing applied yet.
func New(cfg Config, deps Dependencies) (*Loop, error) {
	if cfg.ReplicaSet == "" {
		return nil, fmt.Errorf("replica set name is required")
	}
	if cfg.Role == "" {
		return nil, fmt.Errorf("role name is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("discovery source is required")
	}
	if deps.Writer == nil {
		return nil, fmt.Errorf("hosts writer is required")
	}
	if deps.Recorder == nil {
		deps.Recorder = events.NoopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = log.NewNopLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Loop{
		cfg:      cfg,
		source:   deps.Source,
		writer:   deps.Writer,
		recorder: deps.Recorder,
		logger:   deps.Logger,
		now:      deps.Now,
		quiet:    rate.Sometimes{First: 1, Interval: 10 * time.Minute},
	}, nil
}

func (l *Loop) Config() Config {
	return l.cfg
}

// LastApplied returns the snapshot written by the most recent applied cycle.
func (l *Loop) LastApplied() (snapshot.Snapshot, time.Time, bool) {
	a := l.applied.Load()
	if a == nil {
		return snapshot.Snapshot{}, time.Time{}, false
	}
	return a.snap, a.at, true
}

// Run executes a cycle immediately and then one per tick until ctx ends or a
// cycle is fatal. It stops the ticker on return.
func (l *Loop) Run(ctx context.Context, ticker scheduler.Ticker) error {
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if res := l.RunCycle(ctx); res.Outcome == OutcomeFatal {
			return res.Err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// RunCycle performs one discover, diff, write pass.
func (l *Loop) RunCycle(ctx context.Context) (res Result) {
	start := l.now()
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Outcome: OutcomeFatal,
				Reason:  ReasonPanic,
				Err:     fmt.Errorf("reconcile cycle panic: %v", r),
			}
		}
		if l.cfg.FailFast && res.Outcome == OutcomeSkipped {
			res.Outcome = OutcomeFatal
		}
		res.Started = start
		res.Duration = l.now().Sub(start)
		l.report(res)
	}()
	return l.cycle(ctx)
}

func (l *Loop) cycle(ctx context.Context) Result {
	candidate, reason, err := l.discover(ctx)
	if err != nil {
		return skipped(reason, err)
	}

	prev := l.applied.Load()
	if prev != nil && candidate.Equals(prev.snap) {
		return Result{Outcome: OutcomeUnchanged, Members: candidate.Len()}
	}

	if err := l.writer.Write(candidate); err != nil {
		return skipped(ReasonWriteFailed, err)
	}
	l.applied.Store(&applied{snap: candidate, at: l.now()})

	var from any
	if prev != nil {
		from = prev.snap.String()
	}
	level.Info(l.logger).Log("msg", "node information changed", "from", from, "to", candidate.String())
	return Result{Outcome: OutcomeApplied, Members: candidate.Len()}
}

// Discover runs one discovery pass and builds the candidate snapshot without
// touching the hosts file or the applied state.
func (l *Loop) Discover(ctx context.Context) (snapshot.Snapshot, error) {
	s, _, err := l.discover(ctx)
	return s, err
}

func (l *Loop) discover(ctx context.Context) (snapshot.Snapshot, Reason, error) {
	instances, err := l.source.FetchInstances(ctx, l.cfg.Role)
	if err != nil {
		return snapshot.Snapshot{}, ReasonDiscoveryUnavailable, discovery.Unavailable("source", err)
	}

	members := make([]snapshot.NodeAlias, 0, len(instances))
	for _, inst := range instances {
		name, err := alias.FromInstanceID(l.cfg.ReplicaSet, inst.ID)
		if err != nil {
			return snapshot.Snapshot{}, ReasonMalformedIdentifier, err
		}
		members = append(members, snapshot.NodeAlias{Alias: name, Address: inst.Address})
	}

	candidate, err := snapshot.Build(members)
	if err != nil {
		if errors.Is(err, snapshot.ErrDuplicateAlias) {
			return snapshot.Snapshot{}, ReasonDuplicateAlias, err
		}
		return snapshot.Snapshot{}, ReasonInvalidMember, err
	}
	return candidate, ReasonNone, nil
}

func skipped(reason Reason, err error) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason, Err: err}
}

func (l *Loop) report(res Result) {
	switch res.Outcome {
	case OutcomeApplied:
		level.Info(l.logger).Log("msg", "hosts file updated", "members", res.Members, "duration", res.Duration)
	case OutcomeUnchanged:
		l.quiet.Do(func() {
			level.Debug(l.logger).Log("msg", "membership unchanged", "members", res.Members)
		})
	case OutcomeSkipped:
		level.Warn(l.logger).Log("msg", "reconcile cycle skipped", "reason", res.Reason, "err", res.Err)
	case OutcomeFatal:
		level.Error(l.logger).Log("msg", "reconcile cycle failed", "reason", res.Reason, "err", res.Err)
	}
	l.recorder.Record(res.Event())
}

package metrics

import (
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pingsantohq/hostsync/pkg/types"
)

const namespace = "hostsync"

// Outcome labels of hostsync_cycles_total.
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

const writeFailedReason = "write_failed"

// Store keeps the agent's Prometheus collectors on a private registry and a
// plain copy of the values for readiness checks and tests.
type Store struct {
	registry *prometheus.Registry

	cycles           *prometheus.CounterVec
	skips            *prometheus.CounterVec
	writes           *prometheus.CounterVec
	members          prometheus.Gauge
	lastApplied      prometheus.Gauge
	ready            prometheus.Gauge
	readyCategories  *prometheus.GaugeVec
	readyTransitions *prometheus.CounterVec
	duration         prometheus.Histogram
	buildInfo        *prometheus.GaugeVec

	mu   sync.Mutex
	snap Snapshot
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	Cycles              map[string]uint64
	Skips               map[string]uint64
	Writes              uint64
	WriteFailures       uint64
	Members             int
	LastApplied         time.Time
	Ready               bool
	ReadyReason         string
	ReadyCategories     []ReadinessCategory
	ReadyTransitions    uint64
	NotReadyTransitions uint64
}

// NewStore constructs a Store with its own registry, including Go runtime and
// process collectors.
func NewStore() *Store {
	s := &Store{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconcile cycles by outcome.",
		}, []string{"outcome"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_skips_total",
			Help:      "Skipped or failed reconcile cycles by reason.",
		}, []string{"reason"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_writes_total",
			Help:      "Hosts file write attempts by result.",
		}, []string{"result"}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members",
			Help:      "Members in the most recently applied snapshot.",
		}),
		lastApplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_applied_timestamp_seconds",
			Help:      "Unix time of the last hosts file rewrite.",
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready",
			Help:      "Whether the agent considers itself ready (1=ready).",
		}),
		readyCategories: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_categories_info",
			Help:      "Categories associated with the most recent readiness evaluation.",
		}, []string{"category", "severity"}),
		readyTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ready_transitions_total",
			Help:      "Count of readiness state transitions by resulting state.",
		}, []string{"state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconcile cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and revision).",
		}, []string{"version", "revision"}),
		snap: Snapshot{
			Cycles: make(map[string]uint64),
			Skips:  make(map[string]uint64),
		},
	}
	s.registry.MustRegister(
		s.cycles, s.skips, s.writes, s.members, s.lastApplied,
		s.ready, s.readyCategories, s.readyTransitions, s.duration, s.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Registry exposes the private registry for additional collectors.
func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

// SetBuildInfo should be called once at startup.
func (s *Store) SetBuildInfo(version, revision string) {
	s.buildInfo.WithLabelValues(version, revision).Set(1)
}

// Record updates the collectors from a reconcile cycle event.
func (s *Store) Record(ev types.Event) {
	outcome := outcomeLabel(ev.Type)
	s.cycles.WithLabelValues(outcome).Inc()
	if ev.Duration > 0 {
		s.duration.Observe(ev.Duration.Seconds())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Cycles[outcome]++

	switch ev.Type {
	case types.EventCycleApplied:
		s.writes.WithLabelValues("ok").Inc()
		s.members.Set(float64(ev.Members))
		s.lastApplied.Set(float64(ev.Timestamp.Add(ev.Duration).Unix()))
		s.snap.Writes++
		s.snap.Members = ev.Members
		s.snap.LastApplied = ev.Timestamp.Add(ev.Duration)
	case types.EventCycleUnchanged:
		s.members.Set(float64(ev.Members))
		s.snap.Members = ev.Members
	case types.EventCycleSkipped, types.EventCycleFailed:
		reason := ev.Reason
		if reason == "" {
			reason = "unknown"
		}
		s.skips.WithLabelValues(reason).Inc()
		s.snap.Skips[reason]++
		if reason == writeFailedReason {
			s.writes.WithLabelValues("error").Inc()
			s.snap.WriteFailures++
		}
	}
}

func outcomeLabel(t types.EventType) string {
	switch t {
	case types.EventCycleApplied:
		return OutcomeApplied
	case types.EventCycleUnchanged:
		return OutcomeUnchanged
	case types.EventCycleSkipped:
		return OutcomeSkipped
	default:
		return OutcomeFailed
	}
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.Cycles = make(map[string]uint64, len(s.snap.Cycles))
	for k, v := range s.snap.Cycles {
		out.Cycles[k] = v
	}
	out.Skips = make(map[string]uint64, len(s.snap.Skips))
	for k, v := range s.snap.Skips {
		out.Skips[k] = v
	}
	out.ReadyCategories = slices.Clone(s.snap.ReadyCategories)
	return out
}

// ObserveReadiness mirrors the latest readiness evaluation.
func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.snap.Ready
	s.readyCategories.Reset()
	if ready {
		if !prev {
			s.snap.ReadyTransitions++
			s.readyTransitions.WithLabelValues("ready").Inc()
		}
		s.ready.Set(1)
		s.snap.Ready = true
		s.snap.ReadyReason = ""
		s.snap.ReadyCategories = nil
		return
	}
	if prev {
		s.snap.NotReadyTransitions++
		s.readyTransitions.WithLabelValues("not_ready").Inc()
	}
	deduped := dedupeCategories(categories)
	for _, cat := range deduped {
		s.readyCategories.WithLabelValues(cat.Name, cat.Severity).Set(1)
	}
	s.ready.Set(0)
	s.snap.Ready = false
	s.snap.ReadyReason = reason
	s.snap.ReadyCategories = deduped
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[ReadinessCategory]struct{}, len(categories))
	result := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		cat := ReadinessCategory{
			Name:     strings.TrimSpace(c.Name),
			Severity: normalizeSeverity(c.Severity),
		}
		if _, ok := seen[cat]; ok {
			continue
		}
		seen[cat] = struct{}{}
		result = append(result, cat)
	}
	return result
}

func normalizeSeverity(severity string) string {
	severity = strings.TrimSpace(strings.ToLower(severity))
	switch severity {
	case "":
		return "unknown"
	case "info", "informational":
		return "info"
	case "warn", "warning":
		return "warning"
	case "critical", "crit":
		return "critical"
	default:
		return severity
	}
}

// NewHTTPHandler serves the store's registry in the Prometheus text format.
func NewHTTPHandler(store *Store) http.Handler {
	return promhttp.HandlerFor(store.registry, promhttp.HandlerOpts{})
}

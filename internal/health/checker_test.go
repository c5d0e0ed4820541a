package health

import (
	"strings"
	"testing"
	"time"

	"github.com/pingsantohq/hostsync/internal/metrics"
	"github.com/pingsantohq/hostsync/pkg/types"
)

func TestCheckerReadyConditions(t *testing.T) {
	store := metrics.NewStore()
	checker := NewChecker(store, 10*time.Second)

	now := time.Unix(1000, 0).UTC()
	ready, reasons := checker.Ready(now)
	if ready {
		t.Fatalf("expected not ready before the first apply")
	}
	if len(reasons) == 0 || reasons[0] != "hosts file not yet applied" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	snap := store.Snapshot()
	if snap.Ready || !containsCategoryWithSeverity(snap.ReadyCategories, categoryApplyPending, severityInfo) {
		t.Fatalf("expected APPLY_PENDING category, got %+v", snap)
	}

	checker.Record(types.Event{Type: types.EventCycleApplied, Timestamp: now, Members: 2})
	if ready, reasons = checker.Ready(now); !ready {
		t.Fatalf("expected ready after apply, got %v", reasons)
	}
	snap = store.Snapshot()
	if !snap.Ready || snap.ReadyReason != "" || snap.ReadyTransitions != 1 {
		t.Fatalf("unexpected readiness snapshot after apply: %+v", snap)
	}

	// Unchanged cycles keep the agent fresh.
	checker.Record(types.Event{Type: types.EventCycleUnchanged, Timestamp: now.Add(25 * time.Second)})
	if ready, _ = checker.Ready(now.Add(50 * time.Second)); !ready {
		t.Fatalf("expected ready within three intervals of the last success")
	}

	// A skip keeps the agent not ready until a later success.
	skipAt := now.Add(60 * time.Second)
	checker.Record(types.Event{Type: types.EventCycleSkipped, Timestamp: skipAt, Reason: "discovery_unavailable", Error: "timeout"})
	ready, reasons = checker.Ready(skipAt)
	if ready {
		t.Fatalf("expected not ready after skipped cycle")
	}
	if reasons[len(reasons)-1] != "reconcile cycle skipped: discovery_unavailable: timeout" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	snap = store.Snapshot()
	if !containsCategoryWithSeverity(snap.ReadyCategories, categoryCycleSkipped, severityWarning) {
		t.Fatalf("expected CYCLE_SKIPPED category, got %+v", snap.ReadyCategories)
	}
	if snap.NotReadyTransitions != 1 {
		t.Fatalf("expected one not-ready transition, got %+v", snap)
	}

	// Staleness without any new cycle.
	stale := skipAt.Add(time.Minute)
	ready, reasons = checker.Ready(stale)
	if ready {
		t.Fatalf("expected not ready when stale")
	}
	if !strings.HasPrefix(reasons[0], "reconcile stale") {
		t.Fatalf("expected stale reason, got %v", reasons)
	}
	if !containsCategoryWithSeverity(store.Snapshot().ReadyCategories, categoryReconcileStale, severityWarning) {
		t.Fatalf("expected RECONCILE_STALE category")
	}

	checker.Record(types.Event{Type: types.EventCycleUnchanged, Timestamp: stale})
	if ready, reasons = checker.Ready(stale); !ready {
		t.Fatalf("expected recovery after success, got %v", reasons)
	}
	if snap = store.Snapshot(); snap.ReadyTransitions != 2 || len(snap.ReadyCategories) != 0 {
		t.Fatalf("unexpected counters after recovery: %+v", snap)
	}
}

func TestCheckerFailedCycle(t *testing.T) {
	checker := NewChecker(nil, time.Second)
	ref := time.Unix(2000, 0).UTC()
	checker.Record(types.Event{Type: types.EventCycleApplied, Timestamp: ref})
	checker.Record(types.Event{Type: types.EventCycleFailed, Timestamp: ref, Reason: "panic"})

	ready, reasons := checker.Ready(ref)
	if ready || reasons[0] != "reconcile cycle failed: panic" {
		t.Fatalf("expected failed cycle reason, got %v", reasons)
	}
}

func TestCheckerDefaultInterval(t *testing.T) {
	checker := NewChecker(nil, 0)
	if checker.staleAfter != 45*time.Second {
		t.Fatalf("expected 45s stale window, got %s", checker.staleAfter)
	}
}

func TestCheckerExpiredCertificate(t *testing.T) {
	store := metrics.NewStore()
	checker := NewChecker(store, time.Minute)
	ref := time.Unix(2000, 0).UTC()
	checker.Record(types.Event{Type: types.EventCycleApplied, Timestamp: ref})

	checker.SetCertExpiry(ref.Add(30 * time.Minute))
	ready, reasons := checker.Ready(ref)
	if ready || reasons[len(reasons)-1] != "client certificate expiring soon" {
		t.Fatalf("expected expiring certificate reason, got %v", reasons)
	}

	checker.SetCertExpiry(ref.Add(-time.Minute))
	ready, reasons = checker.Ready(ref)
	if ready {
		t.Fatalf("expected not ready with expired certificate")
	}
	if reasons[len(reasons)-1] != "client certificate expired" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	if !containsCategoryWithSeverity(store.Snapshot().ReadyCategories, categoryCertExpired, severityCritical) {
		t.Fatalf("expected CERT_EXPIRED category")
	}
}

func containsCategoryWithSeverity(categories []metrics.ReadinessCategory, name, severity string) bool {
	for _, c := range categories {
		if c.Name == name && c.Severity == severity {
			return true
		}
	}
	return false
}

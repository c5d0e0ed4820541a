package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/hostsync/internal/metrics"
	"github.com/pingsantohq/hostsync/pkg/types"
)

const (
	defaultInterval        = 15 * time.Second
	staleIntervals         = 3
	certExpiryWarningAhead = time.Hour
)

const (
	categoryApplyPending   = "APPLY_PENDING"
	categoryReconcileStale = "RECONCILE_STALE"
	categoryCycleSkipped   = "CYCLE_SKIPPED"
	categoryCycleFailed    = "CYCLE_FAILED"
	categoryCertExpiring   = "CERT_EXPIRING"
	categoryCertExpired    = "CERT_EXPIRED"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Checker evaluates readiness from the stream of reconcile events.
type Checker struct {
	metrics    *metrics.Store
	staleAfter time.Duration

	mu          sync.RWMutex
	applied     bool
	lastSuccess time.Time
	lastSkip    time.Time
	skipReason  string
	skipFatal   bool
	certExpiry  time.Time
}

// NewChecker constructs a checker for a loop polling every interval. The
// agent turns stale after three intervals without a successful cycle.
func NewChecker(store *metrics.Store, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Checker{
		metrics:    store,
		staleAfter: staleIntervals * interval,
	}
}

// Record implements events.Recorder.
func (c *Checker) Record(ev types.Event) {
	ts := ev.Timestamp.Add(ev.Duration)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case types.EventCycleApplied, types.EventCycleUnchanged:
		if ev.Type == types.EventCycleApplied {
			c.applied = true
		}
		c.lastSuccess = ts
		c.lastSkip = time.Time{}
		c.skipReason = ""
		c.skipFatal = false
	case types.EventCycleSkipped, types.EventCycleFailed:
		c.lastSkip = ts
		c.skipReason = ev.Reason
		if ev.Error != "" {
			c.skipReason = ev.Reason + ": " + ev.Error
		}
		c.skipFatal = ev.Type == types.EventCycleFailed
	}
}

// SetCertExpiry records the expiry timestamp of the discovery client certificate.
func (c *Checker) SetCertExpiry(expiry time.Time) {
	c.mu.Lock()
	c.certExpiry = expiry
	c.mu.Unlock()
}

// Ready evaluates all readiness conditions and returns the overall status and reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)
	categories := make([]metrics.ReadinessCategory, 0, 4)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	c.mu.RLock()
	applied := c.applied
	lastSuccess := c.lastSuccess
	lastSkip := c.lastSkip
	skipReason := c.skipReason
	skipFatal := c.skipFatal
	certExpiry := c.certExpiry
	staleAfter := c.staleAfter
	c.mu.RUnlock()

	if !applied {
		reasons = append(reasons, "hosts file not yet applied")
		appendCategory(categoryApplyPending, severityInfo)
	} else if now.Sub(lastSuccess) > staleAfter {
		reasons = append(reasons, fmt.Sprintf("reconcile stale (%s)", now.Sub(lastSuccess).Round(time.Second)))
		appendCategory(categoryReconcileStale, severityWarning)
	}

	if !lastSkip.IsZero() && now.Sub(lastSkip) <= staleAfter {
		if skipFatal {
			reasons = append(reasons, fmt.Sprintf("reconcile cycle failed: %s", skipReason))
			appendCategory(categoryCycleFailed, severityCritical)
		} else {
			reasons = append(reasons, fmt.Sprintf("reconcile cycle skipped: %s", skipReason))
			appendCategory(categoryCycleSkipped, severityWarning)
		}
	}

	if !certExpiry.IsZero() {
		if !certExpiry.After(now) {
			reasons = append(reasons, "client certificate expired")
			appendCategory(categoryCertExpired, severityCritical)
		} else if certExpiry.Sub(now) < certExpiryWarningAhead {
			reasons = append(reasons, "client certificate expiring soon")
			appendCategory(categoryCertExpiring, severityWarning)
		}
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}

package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/quorumcast/arb/common/log"
)

// ThresholdMonitor watches for peer addresses accumulating misbehavior
// evidence (bad signatures, malformed envelopes) within a rolling window
// and raises its log level once the number of distinct misbehaving peers
// crosses a threshold — an early warning that the configured fault
// tolerance t is being approached, worth an operator's attention well
// before it threatens liveness.
type ThresholdMonitor struct {
	lock      sync.RWMutex
	log       log.Logger
	threshold int
	failing   map[string]bool
	ctx       context.Context
	cancel    func()
	period    time.Duration
}

// NewThresholdMonitor creates a monitor that compares the number of
// distinct failing peers against threshold once per period (default 1m if
// period is zero).
func NewThresholdMonitor(l log.Logger, threshold int, period time.Duration) *ThresholdMonitor {
	if period == 0 {
		period = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ThresholdMonitor{
		log:       l,
		threshold: threshold,
		failing:   make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
		period:    period,
	}
}

// Start begins the periodic check in its own goroutine. Call Stop to end it.
func (t *ThresholdMonitor) Start() {
	t.log.Infow("starting peer threshold monitor", "threshold", t.threshold)
	go func() {
		ticker := time.NewTicker(t.period)
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				t.log.Infow("ending peer threshold monitor")
				return
			case <-ticker.C:
				t.check()
			}
		}
	}()
}

func (t *ThresholdMonitor) check() {
	t.lock.Lock()
	var peers []string
	for addr := range t.failing {
		peers = append(peers, addr)
	}
	t.failing = make(map[string]bool)
	t.lock.Unlock()

	switch {
	case len(peers) >= t.threshold:
		t.log.Errorw("misbehaving peer count crossed threshold",
			"threshold", t.threshold, "count", len(peers), "peers", strings.Join(peers, ","))
	case t.threshold > 0 && len(peers) >= t.threshold/2:
		t.log.Warnw("misbehaving peer count crossed half threshold",
			"threshold", t.threshold, "count", len(peers), "peers", strings.Join(peers, ","))
	default:
		t.log.Debugw("peer threshold monitor healthy", "threshold", t.threshold, "count", len(peers))
	}
}

// Stop ends the monitor's goroutine.
func (t *ThresholdMonitor) Stop() {
	t.cancel()
}

// ReportFailure records misbehavior evidence against addr, both for this
// monitor's rolling window and as a permanent Prometheus counter.
func (t *ThresholdMonitor) ReportFailure(addr string) {
	t.lock.Lock()
	t.failing[addr] = true
	t.lock.Unlock()
	PeerFailureEvents.WithLabelValues(addr).Inc()
}

// UpdateThreshold changes the threshold used by future checks.
func (t *ThresholdMonitor) UpdateThreshold(newThreshold int) {
	t.lock.Lock()
	t.threshold = newThreshold
	t.lock.Unlock()
}

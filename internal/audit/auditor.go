// Package audit re-verifies the evidence chain on a schedule so that
// out-of-band tampering with the store is noticed without a client asking.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"go.uber.org/zap"
)

// Config holds auditor configuration.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Verifier is the part of the ledger the auditor needs.
type Verifier interface {
	VerifyChain(ctx context.Context) (*ledger.Report, error)
}

// AlertFunc is an optional callback invoked when the chain transitions from
// valid to invalid.
type AlertFunc func(ctx context.Context, rep *ledger.Report)

// MetricsRecordFunc is an optional callback for recording audit results.
type MetricsRecordFunc func(ok bool)

// Status is the outcome of the most recent audit.
type Status struct {
	Checked  bool           `json:"checked"`
	OK       bool           `json:"ok"`
	Blocks   int            `json:"blocks"`
	Problems int            `json:"problems"`
	LastRun  time.Time      `json:"last_run"`
	Error    string         `json:"error,omitempty"`
	Report   *ledger.Report `json:"-"`
}

// Auditor runs periodic chain verifications.
type Auditor struct {
	verifier  Verifier
	cfg       Config
	mu        sync.RWMutex
	status    Status
	onAlert   AlertFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Auditor.
func New(v Verifier, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	return &Auditor{verifier: v, cfg: cfg, logger: logger}
}

// SetAlert configures the integrity-failure callback.
func (a *Auditor) SetAlert(fn AlertFunc) {
	a.onAlert = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (a *Auditor) SetMetricsRecord(fn MetricsRecordFunc) {
	a.onMetrics = fn
}

// Start audits once immediately, then every Interval until ctx is cancelled.
func (a *Auditor) Start(ctx context.Context) {
	a.runWithTimeout(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.runWithTimeout(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Auditor) runWithTimeout(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	a.Run(runCtx)
}

// Run verifies the chain once and updates Status. A read error keeps the
// previous verdict; Checked only becomes true once a verdict exists.
func (a *Auditor) Run(ctx context.Context) Status {
	rep, err := a.verifier.VerifyChain(ctx)
	now := time.Now().UTC()

	a.mu.Lock()
	prev := a.status
	next := Status{Checked: true, LastRun: now}
	if err != nil {
		next.Error = err.Error()
		next.Checked = prev.Checked
		next.OK = prev.OK
		next.Blocks = prev.Blocks
		next.Problems = prev.Problems
		next.Report = prev.Report
	} else {
		next.OK = rep.OK
		next.Blocks = rep.Blocks
		next.Problems = len(rep.Problems)
		next.Report = rep
	}
	a.status = next
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("audit: verify chain", zap.Error(err))
		return next
	}

	if a.onMetrics != nil {
		a.onMetrics(rep.OK)
	}

	switch {
	case !rep.OK && (!prev.Checked || prev.OK):
		// Transition: valid → tampered
		a.logger.Error("audit: chain integrity check FAILED",
			zap.Int("blocks", rep.Blocks),
			zap.Int("problems", len(rep.Problems)),
		)
		for _, p := range rep.Problems {
			a.logger.Warn("audit: problem", zap.Uint64("idx", p.Index), zap.String("kind", string(p.Kind)), zap.String("detail", p.Detail))
		}
		if a.onAlert != nil {
			a.onAlert(ctx, rep)
		}
	case rep.OK && prev.Checked && !prev.OK:
		a.logger.Info("audit: chain integrity restored", zap.Int("blocks", rep.Blocks))
	default:
		a.logger.Debug("audit: chain verified", zap.Int("blocks", rep.Blocks), zap.Bool("ok", rep.OK))
	}
	return next
}

// Status returns the most recent audit outcome.
func (a *Auditor) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Healthy reports false only when the last completed audit found problems.
func (a *Auditor) Healthy() bool {
	s := a.Status()
	return !s.Checked || s.OK
}

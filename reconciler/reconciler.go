// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

// Package reconciler settles the credit ledger against each gateway
// instance's authoritative usage report. It charges deltas between the
// stored snapshot and the current cumulative totals, detecting counter
// resets when the instance restarted and zeroed its own usage state.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clawgate/platform/directory"
	"clawgate/platform/gatewayrpc"
	"clawgate/platform/shared/logger"
)

// DefaultLookback is the usage-report query window
const DefaultLookback = 24 * time.Hour

// UsageSource queries an instance's cumulative usage totals
type UsageSource interface {
	Usage(ctx context.Context, inst *directory.Instance) (*gatewayrpc.UsageReport, error)
}

// Ledger is the deduction surface of the credit store
type Ledger interface {
	Deduct(ctx context.Context, userID string, amountUSD float64) (float64, error)
}

// RPCUsageSource queries usage over a fresh administrative RPC connection
// per call. Short-lived by design: the reconciler runs seconds apart at
// most, and a held connection would pin a broker to one instance.
type RPCUsageSource struct {
	Lookback time.Duration
}

// Usage dials the instance and fetches its usage report
func (s *RPCUsageSource) Usage(ctx context.Context, inst *directory.Instance) (*gatewayrpc.UsageReport, error) {
	lookback := s.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	client, err := gatewayrpc.Dial(ctx, inst.Addr(), inst.Secret)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	return client.UsageReport(ctx, lookback)
}

// Reconciler computes and applies usage charges. Reconciliation for one
// instance is serialized through the in-flight set; across instances it is
// fully parallel.
type Reconciler struct {
	repo   directory.Repository
	ledger Ledger
	source UsageSource
	log    *logger.Logger

	// MinimumFeeUSD, when positive, floors every non-zero charge (markup
	// schemes that require a minimum fee per billable event). Zero-delta
	// reconciliations are a no-op, never a charge.
	MinimumFeeUSD float64

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Reconciler
func New(repo directory.Repository, ledger Ledger, source UsageSource) *Reconciler {
	return &Reconciler{
		repo:     repo,
		ledger:   ledger,
		source:   source,
		log:      logger.New("reconciler"),
		inflight: make(map[string]struct{}),
	}
}

// Result describes one reconciliation outcome
type Result struct {
	ChargedUSD float64
	Skipped    bool
}

// Reconcile settles one instance's usage against the ledger. If a run for
// this instance is already in flight the call returns Skipped without
// charging; overlapping triggers never double-charge.
func (r *Reconciler) Reconcile(ctx context.Context, inst *directory.Instance) (Result, error) {
	if inst == nil || inst.UserID == "" {
		return Result{}, fmt.Errorf("instance has no owner")
	}

	if !r.acquire(inst.ID) {
		return Result{Skipped: true}, nil
	}
	defer r.release(inst.ID)

	start := time.Now()

	// The caller's copy may predate another run that already advanced the
	// snapshot. Only the stored snapshot is a valid charging baseline.
	current, err := r.repo.GetByID(ctx, inst.ID)
	if err != nil {
		r.log.Warn(inst.UserID, "", "instance re-read failed, skipping reconciliation", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		return Result{Skipped: true}, err
	}
	if current.UserID == "" {
		return Result{}, fmt.Errorf("instance has no owner")
	}
	inst = current

	report, err := r.source.Usage(ctx, inst)
	if err != nil {
		// Best effort: the next trigger retries. Never surfaced to the
		// user synchronously.
		r.log.Warn(inst.UserID, "", "usage query failed, skipping reconciliation", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		return Result{Skipped: true}, err
	}

	delta := report.TotalCostUSD - inst.SnapshotCostUSD
	reset := report.TotalTokens < inst.SnapshotTokens
	if reset {
		// The gateway restarted and zeroed its counters; the stored
		// snapshot no longer relates to the current totals. Charge the
		// full current cumulative cost instead of a meaningless delta.
		delta = report.TotalCostUSD
		r.log.Info(inst.UserID, "", "session reset detected", map[string]interface{}{
			"instance_id":     inst.ID,
			"snapshot_tokens": inst.SnapshotTokens,
			"report_tokens":   report.TotalTokens,
		})
	}

	// Persist the snapshot before the charge so a retry after partial
	// failure cannot apply the same delta twice.
	now := time.Now().UTC()
	if err := r.repo.SaveSnapshot(ctx, inst.ID, report.TotalCostUSD, report.TotalTokens, now); err != nil {
		r.log.Error(inst.UserID, "", "failed to persist usage snapshot", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		return Result{Skipped: true}, err
	}

	if delta <= 0 {
		return Result{}, nil
	}

	if r.MinimumFeeUSD > 0 && delta < r.MinimumFeeUSD {
		delta = r.MinimumFeeUSD
	}

	charged, err := r.ledger.Deduct(ctx, inst.UserID, delta)
	if err != nil {
		r.log.Error(inst.UserID, "", "failed to charge usage delta", map[string]interface{}{
			"instance_id": inst.ID,
			"delta_usd":   delta,
			"error":       err.Error(),
		})
		return Result{}, err
	}

	r.log.InfoWithDuration(inst.UserID, "", "usage reconciled",
		float64(time.Since(start).Milliseconds()), map[string]interface{}{
			"instance_id": inst.ID,
			"charged_usd": charged,
			"reset":       reset,
		})

	return Result{ChargedUSD: charged}, nil
}

// Run sweeps all active instances on the given interval until ctx is
// cancelled. Instance failures are independent; listing failures back off
// exponentially (1s doubling to 30s) and reset on the next success.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		instances, err := r.repo.ListByStatus(ctx, directory.StatusActive)
		if err != nil {
			r.log.Warn("", "", "sweep listing failed", map[string]interface{}{
				"error":       err.Error(),
				"retry_after": backoff.String(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second

		var wg sync.WaitGroup
		for i := range instances {
			inst := instances[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = r.Reconcile(ctx, &inst)
			}()
		}
		wg.Wait()
	}
}

func (r *Reconciler) acquire(instanceID string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if _, running := r.inflight[instanceID]; running {
		return false
	}
	r.inflight[instanceID] = struct{}{}
	return true
}

func (r *Reconciler) release(instanceID string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, instanceID)
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
)

// Republisher re-emits a change event for a record so the dispatcher sees
// it again. Satisfied by the request store.
type Republisher interface {
	Republish(ctx context.Context, id string) error
}

// ReconcilerConfig tunes the periodic consistency sweep.
type ReconcilerConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration

	// PendingAfter is how long a record may sit in a PENDING_* status before
	// the sweep re-drives it through the change feed. Covers events dropped
	// by the per-id dispatch lock or lost to a restart.
	PendingAfter time.Duration

	// StuckAfter is how long a record may sit in an in-progress status
	// before it is flagged as stuck.
	StuckAfter time.Duration

	// FailStuckAfter is how long a record may sit in an in-progress status
	// before the sweep force-fails it. Zero disables force-failing.
	FailStuckAfter time.Duration
}

// DefaultReconcilerConfig returns the stock sweep settings.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:       2 * time.Minute,
		PendingAfter:   5 * time.Minute,
		StuckAfter:     90 * time.Minute,
		FailStuckAfter: 3 * time.Hour,
	}
}

// Reconciler is the scheduled safety net behind the event-driven engine. It
// re-drives pending records whose events were dropped, flags and eventually
// force-fails records stuck in an in-progress status, completes destroys
// whose instance is already gone, and advances the pause/resume transitions
// that no workflow instance owns.
type Reconciler struct {
	store   RequestStore
	repub   Republisher
	prober  InstanceProber
	cfg     ReconcilerConfig
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	cron *cron.Cron
	now  func() time.Time
}

// NewReconciler wires a reconciler. repub, prober, logger, and metrics may
// be nil; nil disables the corresponding sweep behavior.
func NewReconciler(store RequestStore, repub Republisher, prober InstanceProber, cfg ReconcilerConfig, logger *telemetry.Logger, metrics *telemetry.Metrics) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.PendingAfter <= 0 {
		cfg.PendingAfter = 5 * time.Minute
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 90 * time.Minute
	}
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info", Format: "json"})
	}
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	}

	return &Reconciler{
		store:   store,
		repub:   repub,
		prober:  prober,
		cfg:     cfg,
		logger:  logger.NewComponentLogger("reconciler"),
		metrics: metrics,
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Start schedules the sweep and runs it until Stop is called. The first
// sweep happens one interval after Start, not immediately.
func (r *Reconciler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", r.cfg.Interval)
	_, err := r.cron.AddFunc(spec, func() {
		if err := r.Sweep(ctx); err != nil {
			r.logger.WithError(err).Error("reconciler sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciler: %w", err)
	}

	r.cron.Start()
	r.logger.Infof("reconciler started, sweeping every %s", r.cfg.Interval)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.logger.Info("reconciler stopped")
}

// Sweep runs one reconciliation pass. Exported so operators can trigger it
// on demand.
func (r *Reconciler) Sweep(ctx context.Context) error {
	now := r.now().UTC()

	if err := r.sweepPending(ctx, now); err != nil {
		return err
	}
	if err := r.sweepStuck(ctx, now); err != nil {
		return err
	}
	return r.sweepTransitional(ctx)
}

// sweepPending re-drives records that asked for work but never got a
// workflow instance.
func (r *Reconciler) sweepPending(ctx context.Context, now time.Time) error {
	pending, err := r.store.ListStale(ctx,
		[]Status{StatusPendingDeploy, StatusPendingDestroy},
		now.Add(-r.cfg.PendingAfter))
	if err != nil {
		return fmt.Errorf("failed to list stale pending requests: %w", err)
	}

	for _, status := range []Status{StatusPendingDeploy, StatusPendingDestroy} {
		r.metrics.SetStuckRequests(string(status), float64(countStatus(pending, status)))
	}

	if r.repub == nil {
		return nil
	}
	for _, req := range pending {
		log := r.logger.WithEnclaveID(req.ID).WithField("status", string(req.Status))
		if err := r.repub.Republish(ctx, req.ID); err != nil {
			log.WithError(err).Error("failed to re-drive pending request")
			continue
		}
		log.Infof("re-driving request pending since %s", req.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

// sweepStuck flags in-progress records that have outlived any plausible
// workflow budget and, past the force-fail threshold, marks them FAILED so
// they become visible and retryable.
func (r *Reconciler) sweepStuck(ctx context.Context, now time.Time) error {
	stuck, err := r.store.ListStale(ctx,
		[]Status{StatusDeploying, StatusDestroying},
		now.Add(-r.cfg.StuckAfter))
	if err != nil {
		return fmt.Errorf("failed to list stuck requests: %w", err)
	}

	for _, status := range []Status{StatusDeploying, StatusDestroying} {
		r.metrics.SetStuckRequests(string(status), float64(countStatus(stuck, status)))
	}

	for _, req := range stuck {
		age := now.Sub(req.UpdatedAt)
		log := r.logger.WithEnclaveID(req.ID).WithField("status", string(req.Status))

		if r.cfg.FailStuckAfter > 0 && age >= r.cfg.FailStuckAfter {
			msg := fmt.Sprintf("request stuck in %s for %s, force-failed by reconciler",
				req.Status, age.Round(time.Minute))
			if err := r.store.UpdateFields(ctx, req.ID, FailureUpdate(msg, "StuckWorkflowError")); err != nil {
				log.WithError(err).Error("failed to force-fail stuck request")
			} else {
				log.Warn(msg)
			}
			continue
		}

		log.Warnf("request stuck in %s for %s", req.Status, age.Round(time.Minute))
	}
	return nil
}

// sweepTransitional advances PAUSING and RESUMING records by probing the
// actual instance state, and completes DESTROYING records whose instance is
// already gone. The pause/resume transitions are owned by the reconciler
// alone; no workflow instance runs for them.
func (r *Reconciler) sweepTransitional(ctx context.Context) error {
	if r.prober == nil {
		return nil
	}

	transitional, err := r.store.ListStale(ctx,
		[]Status{StatusPausing, StatusResuming, StatusDestroying},
		r.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to list transitional requests: %w", err)
	}

	for _, req := range transitional {
		log := r.logger.WithEnclaveID(req.ID).WithField("status", string(req.Status))

		state, err := r.prober.Probe(ctx, req.ID)
		if err != nil {
			log.WithError(err).Warn("instance probe failed")
			continue
		}

		var next Status
		switch {
		case req.Status == StatusPausing && state == InstanceStopped:
			next = StatusPaused
		case req.Status == StatusResuming && state == InstanceRunning:
			next = StatusDeployed
		case req.Status == StatusDestroying && (state == InstanceTerminated || state == InstanceNotFound):
			next = StatusDestroyed
		case req.Status == StatusPausing && state == InstanceRunning:
			// Nothing stopped the instance yet; issue the stop and let a
			// later sweep observe the result.
			if err := r.prober.Stop(ctx, req.ID); err != nil {
				log.WithError(err).Warn("failed to stop instance for pause")
			} else {
				log.Info("issued instance stop for pause")
			}
			continue
		case req.Status == StatusResuming && state == InstanceStopped:
			if err := r.prober.Start(ctx, req.ID); err != nil {
				log.WithError(err).Warn("failed to start instance for resume")
			} else {
				log.Info("issued instance start for resume")
			}
			continue
		default:
			log.Debugf("instance state %s, leaving %s in place", state, req.Status)
			continue
		}

		if err := r.store.UpdateFields(ctx, req.ID, StatusUpdate(next)); err != nil {
			log.WithError(err).Error("failed to advance transitional status")
			continue
		}
		log.Infof("advanced %s to %s", req.Status, next)
	}
	return nil
}

func countStatus(reqs []*Request, status Status) int {
	n := 0
	for _, req := range reqs {
		if req.Status == status {
			n++
		}
	}
	return n
}

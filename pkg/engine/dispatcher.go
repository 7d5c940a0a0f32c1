package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
)

// WorkflowExecutor runs one workflow instance to a terminal step.
type WorkflowExecutor interface {
	Execute(ctx context.Context, inst *Instance) error
}

// DispatcherConfig tunes the change-feed consumer.
type DispatcherConfig struct {
	// MaxConcurrent bounds the number of workflow instances in flight.
	MaxConcurrent int
}

// DefaultDispatcherConfig returns the stock dispatcher settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{MaxConcurrent: 16}
}

// Dispatcher consumes the request store's change feed and starts one
// workflow instance per actionable event. It is purely reactive: it never
// mutates request records itself, and non-pending statuses pass through
// without side effects.
//
// A per-id advisory lock closes the deploy/destroy race: while an instance
// for an enclave id is in flight, further events for the same id are
// acknowledged and dropped. The reconciler re-drives anything that was
// dropped and still matters.
type Dispatcher struct {
	executor WorkflowExecutor
	cfg      DispatcherConfig
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	active map[string]struct{}

	sem chan struct{}
	wg  sync.WaitGroup

	now func() time.Time
}

// NewDispatcher wires a dispatcher around a workflow executor. logger and
// metrics may be nil.
func NewDispatcher(executor WorkflowExecutor, cfg DispatcherConfig, logger *telemetry.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info", Format: "json"})
	}
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	}

	return &Dispatcher{
		executor: executor,
		cfg:      cfg,
		logger:   logger.NewComponentLogger("dispatcher"),
		metrics:  metrics,
		active:   make(map[string]struct{}),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		now:      time.Now,
	}
}

// Run consumes change messages until the context is cancelled or the
// channel closes, then waits for in-flight workflows to finish.
func (d *Dispatcher) Run(ctx context.Context, messages <-chan *message.Message) error {
	d.logger.Infof("dispatcher started, max %d concurrent workflows", d.cfg.MaxConcurrent)
	defer d.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				d.logger.Info("change feed closed")
				return nil
			}
			d.handleMessage(ctx, msg)
		}
	}
}

// handleMessage decodes one feed message and either dispatches a workflow
// or drops the event. Malformed, non-actionable, and duplicate events are
// acknowledged: they must not be redelivered, and dropped pending events
// are re-driven by the reconciler rather than the feed. A rejected dispatch
// is a workflow-start failure and is nacked so the feed redelivers it.
func (d *Dispatcher) handleMessage(ctx context.Context, msg *message.Message) {
	var event ChangeEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		d.logger.WithError(err).Error("malformed change event dropped")
		d.metrics.RecordChangeEvent("unknown", "malformed")
		msg.Ack()
		return
	}

	decision := d.Dispatch(ctx, event)
	d.metrics.RecordChangeEvent(string(event.Kind), string(decision))
	if decision == DecisionRejected {
		msg.Nack()
		return
	}
	msg.Ack()
}

// DispatchDecision explains what the dispatcher did with a change event.
type DispatchDecision string

const (
	// DecisionDispatched means a workflow instance was started.
	DecisionDispatched DispatchDecision = "dispatched"

	// DecisionNotPending means the record's status requested no action.
	DecisionNotPending DispatchDecision = "not_pending"

	// DecisionDuplicate means an instance for the same id is already in
	// flight and the event was dropped.
	DecisionDuplicate DispatchDecision = "duplicate"

	// DecisionRejected means the dispatcher could not start the workflow,
	// at capacity while shutting down. The event is nacked for redelivery.
	DecisionRejected DispatchDecision = "rejected"
)

// Dispatch inspects one change event and starts a workflow instance when
// the record is in a pending status and no instance for the id is active.
func (d *Dispatcher) Dispatch(ctx context.Context, event ChangeEvent) DispatchDecision {
	action, ok := ActionForStatus(event.NewImage.Status)
	if !ok {
		return DecisionNotPending
	}

	if !d.acquireID(event.ID) {
		d.logger.WithEnclaveID(event.ID).
			Debugf("dropping %s event, workflow already in flight", action)
		return DecisionDuplicate
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		d.releaseID(event.ID)
		return DecisionRejected
	}

	inst := d.newInstance(event, action)
	log := d.logger.
		WithEnclaveID(inst.EnclaveID).
		WithExecution(inst.ID, inst.ExecutionName).
		WithAction(string(action))
	log.Info("dispatching workflow")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		defer d.releaseID(inst.EnclaveID)

		if err := d.executor.Execute(ctx, inst); err != nil {
			log.WithError(err).Error("workflow ended in failure")
		}
	}()

	return DecisionDispatched
}

// newInstance snapshots the record into a fresh workflow instance. The
// configuration is copied at dispatch time so later record updates cannot
// change what this execution operates on.
func (d *Dispatcher) newInstance(event ChangeEvent, action Action) *Instance {
	now := d.now().UTC()
	input := make(json.RawMessage, len(event.NewImage.Configuration))
	copy(input, event.NewImage.Configuration)

	return &Instance{
		ID:            uuid.New().String(),
		EnclaveID:     event.ID,
		Action:        action,
		ExecutionName: ExecutionName(event.ID, action, now),
		Input:         input,
		WalletAddress: event.NewImage.WalletAddress,
		StartedAt:     now,
	}
}

// ActiveCount reports the number of enclave ids with an instance in flight.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) acquireID(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.active[id]; busy {
		return false
	}
	d.active[id] = struct{}{}
	return true
}

func (d *Dispatcher) releaseID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, id)
}

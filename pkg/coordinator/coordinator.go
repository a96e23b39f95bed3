// Package coordinator drives reconciliation cycles on a schedule and makes
// sure only one cycle per network runs at a time across every scanner
// process sharing the store.
package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guacscanner/guacscanner/pkg/connection"
	"github.com/guacscanner/guacscanner/pkg/inventory"
	"github.com/guacscanner/guacscanner/pkg/reconcile"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// State is the phase of the current cycle.
type State int32

const (
	// Idle means no cycle is in progress.
	Idle State = iota
	// Acquiring means the run lock is being taken.
	Acquiring
	// Running means the inventory is fetched and the plan applied.
	Running
	// Reporting means the lock is released and the outcome recorded.
	Reporting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Running:
		return "running"
	case Reporting:
		return "reporting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome classifies a finished cycle.
type Outcome string

const (
	// Completed cycles applied their whole plan.
	Completed = Outcome("completed")
	// Partial cycles applied their plan but some operations failed.
	Partial = Outcome("partial")
	// Skipped cycles did not run, usually because another process held the lock.
	Skipped = Outcome("skipped")
	// Failed cycles hit an error that stopped them.
	Failed = Outcome("failed")
)

// Source provides the instance snapshot for a cycle.
type Source interface {
	Instances(ctx context.Context) ([]inventory.Instance, error)
}

// Reconciler converges the store onto a snapshot.
type Reconciler interface {
	Reconcile(ctx context.Context, instances []inventory.Instance) (reconcile.Summary, error)
}

// Recorder receives the report of every cycle.
type Recorder interface {
	Record(report Report)
}

// Report describes a finished cycle.
type Report struct {
	CycleID  string
	Network  string
	Outcome  Outcome
	Summary  reconcile.Summary
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Fields returns the report as log fields.
func (r Report) Fields() log.Fields {
	fields := r.Summary.Fields()
	fields["cycle"] = r.CycleID
	fields["network"] = r.Network
	fields["outcome"] = r.Outcome
	fields["duration"] = r.Duration.Round(time.Millisecond)
	return fields
}

// Options configure a Coordinator.
type Options struct {
	// Network is the id of the network being scanned. It also names the run lock.
	Network    string
	Source     Source
	Reconciler Reconciler
	Locker     connection.Locker
	// Interval is the time between cycle starts.
	Interval time.Duration
	// Recorder is optional.
	Recorder Recorder
	// ReleaseTimeout bounds the release of the run lock. Zero means
	// DefaultReleaseTimeout.
	ReleaseTimeout time.Duration
}

// DefaultReleaseTimeout is used when Options.ReleaseTimeout is zero.
const DefaultReleaseTimeout = 30 * time.Second

// Coordinator runs cycles. The zero value is not usable, use New.
type Coordinator struct {
	opts  Options
	state atomic.Int32
	busy  atomic.Bool
	now   func() time.Time
}

// New validates opts and returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Network == "":
		return nil, errors.New("coordinator needs a network")
	case opts.Source == nil:
		return nil, errors.New("coordinator needs an inventory source")
	case opts.Reconciler == nil:
		return nil, errors.New("coordinator needs a reconciler")
	case opts.Locker == nil:
		return nil, errors.New("coordinator needs a locker")
	case opts.Interval <= 0:
		return nil, errors.Errorf("invalid interval %s", opts.Interval)
	case opts.ReleaseTimeout < 0:
		return nil, errors.Errorf("invalid release timeout %s", opts.ReleaseTimeout)
	}
	if opts.ReleaseTimeout == 0 {
		opts.ReleaseTimeout = DefaultReleaseTimeout
	}
	return &Coordinator{opts: opts, now: time.Now}, nil
}

// State returns the phase of the cycle in progress, Idle if there is none.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// RunOnce executes a single cycle and returns its report. Cancelling ctx
// stops the cycle only before it starts running. Once the inventory is being
// fetched the cycle finishes under the per-call timeouts of its collaborators.
func (c *Coordinator) RunOnce(ctx context.Context) Report {
	report := Report{
		CycleID: uuid.New().String(),
		Network: c.opts.Network,
		Started: c.now(),
	}
	logger := log.WithFields(log.Fields{"cycle": report.CycleID, "network": report.Network})

	if !c.busy.CompareAndSwap(false, true) {
		// The cycle in progress owns the state.
		logger.Debug("A cycle is already in progress")
		report.Outcome = Skipped
		return c.finish(logger, report)
	}
	defer c.busy.Store(false)
	defer c.setState(Idle)

	c.setState(Acquiring)
	lock, acquired, err := c.opts.Locker.TryLock(ctx, c.opts.Network)
	switch {
	case err != nil:
		report.Outcome = Failed
		report.Err = err
		c.setState(Reporting)
		return c.finish(logger, report)
	case !acquired:
		logger.Info("Run lock is held by another scanner, skipping cycle")
		report.Outcome = Skipped
		c.setState(Reporting)
		return c.finish(logger, report)
	}

	// Apply and release are never interrupted halfway.
	runCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		logger.Info("Shutting down, skipping cycle")
		report.Outcome = Skipped
	} else {
		c.setState(Running)
		report.Summary, report.Err = c.run(runCtx, logger)
		switch {
		case report.Err != nil:
			report.Outcome = Failed
		case report.Summary.Partial():
			report.Outcome = Partial
		default:
			report.Outcome = Completed
		}
	}

	c.setState(Reporting)
	releaseCtx, cancel := context.WithTimeout(runCtx, c.opts.ReleaseTimeout)
	defer cancel()
	if err := lock.Unlock(releaseCtx); err != nil {
		logger.WithError(err).Warn("Failed to release run lock")
	}
	return c.finish(logger, report)
}

func (c *Coordinator) run(ctx context.Context, logger *log.Entry) (reconcile.Summary, error) {
	instances, err := c.opts.Source.Instances(ctx)
	if err != nil {
		return reconcile.Summary{}, errors.Wrap(err, "fetch inventory")
	}
	logger.Debugf("Found %d eligible instances", len(instances))

	summary, err := c.opts.Reconciler.Reconcile(ctx, instances)
	if err != nil {
		return summary, errors.Wrap(err, "reconcile")
	}
	return summary, nil
}

func (c *Coordinator) finish(logger *log.Entry, report Report) Report {
	report.Duration = c.now().Sub(report.Started)

	entry := logger.WithFields(report.Fields())
	switch report.Outcome {
	case Failed:
		entry.WithError(report.Err).Error("Cycle failed")
	case Partial:
		entry.Warn("Cycle partially applied")
	case Skipped:
		entry.Debug("Cycle skipped")
	default:
		entry.Info("Cycle completed")
	}

	if c.opts.Recorder != nil {
		c.opts.Recorder.Record(report)
	}
	return report
}

// Run executes a cycle immediately and then one per interval until ctx is
// cancelled. A tick that fires while a cycle is still running is dropped
// rather than queued.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.WithField("network", c.opts.Network).Info("Stopping scanner")
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			c.RunOnce(ctx)

			select {
			case <-ticker.C:
				log.WithField("network", c.opts.Network).Warnf("Cycle overran the %s interval, skipping a tick", c.opts.Interval)
			default:
			}
		}
	}
}

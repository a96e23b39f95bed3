package reconcile

import (
	"context"
	"fmt"

	"github.com/guacscanner/guacscanner/pkg/connection"
	"github.com/guacscanner/guacscanner/pkg/inventory"
	"github.com/guacscanner/guacscanner/pkg/retry"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Repository is the store of managed connections. Implementations only ever
// see and touch rows inside their namespace. Create of an existing key and
// Delete of a missing key both succeed.
type Repository interface {
	ListManaged(ctx context.Context) ([]connection.Connection, error)
	Create(ctx context.Context, c connection.Connection) error
	Delete(ctx context.Context, key connection.Key) error
}

// Operations reported in OperationError and metrics.
const (
	OpCreate = "create"
	OpDelete = "delete"
)

// OperationError is a single create or delete that failed. The rest of the
// plan is still applied.
type OperationError struct {
	Op  string
	Key connection.Key
	Err error
}

func (e OperationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e OperationError) Unwrap() error { return e.Err }

var errStaleNotRemoved = errors.New("skipped, the stale connection could not be removed")

// Summary is the outcome of applying a plan.
type Summary struct {
	Added     []connection.Key
	Removed   []connection.Key
	Recreated []connection.Key
	Unchanged []connection.Key
	Held      []connection.Key
	Failures  []OperationError
	// Managed is the number of managed connections expected after the cycle.
	Managed int
	// DryRun is set when nothing was written.
	DryRun bool
}

// Partial reports whether some operations failed.
func (s Summary) Partial() bool {
	return len(s.Failures) > 0
}

// Fields returns the counts as log fields.
func (s Summary) Fields() log.Fields {
	return log.Fields{
		"added":     len(s.Added),
		"removed":   len(s.Removed),
		"recreated": len(s.Recreated),
		"unchanged": len(s.Unchanged),
		"held":      len(s.Held),
		"failed":    len(s.Failures),
		"managed":   s.Managed,
	}
}

// Reconciler converges a repository onto an instance snapshot.
type Reconciler struct {
	Repository Repository
	Template   connection.Template
	// DryRun computes and logs plans without applying them.
	DryRun bool
}

// New creates a Reconciler.
func New(repo Repository, tmpl connection.Template) *Reconciler {
	return &Reconciler{Repository: repo, Template: tmpl}
}

// Reconcile lists the managed connections, computes the plan for instances
// and applies it. A namespace conflict aborts before anything is written.
func (r *Reconciler) Reconcile(ctx context.Context, instances []inventory.Instance) (Summary, error) {
	existing, err := r.Repository.ListManaged(ctx)
	if err != nil {
		return Summary{}, errors.Wrap(err, "list managed connections")
	}

	plan, err := Compute(r.Template, instances, existing)
	if err != nil {
		return Summary{}, err
	}
	log.WithFields(log.Fields{"instances": len(instances), "existing": len(existing)}).Info(plan.Explain())

	if r.DryRun {
		return dryRun(plan, len(existing)), nil
	}
	return r.Apply(ctx, plan, len(existing))
}

func dryRun(plan Plan, existing int) Summary {
	for _, key := range plan.Removals {
		log.WithField("key", key).Info("Would delete connection")
	}
	for _, c := range plan.Additions {
		log.WithFields(log.Fields{"key": c.Key, "address": c.Address, "protocol": c.Protocol}).Info("Would create connection")
	}
	return Summary{
		Unchanged: plan.Unchanged,
		Held:      plan.Held,
		Managed:   existing,
		DryRun:    true,
	}
}

// Apply runs every removal, then every addition. A failed operation is
// recorded and skipped, except when the store stays unreachable after
// retries: then the rest of the plan is abandoned and the error returned
// along with what was done so far. The addition half of a recreation is
// skipped when its removal failed.
func (r *Reconciler) Apply(ctx context.Context, plan Plan, existing int) (Summary, error) {
	summary := Summary{
		Unchanged: plan.Unchanged,
		Held:      plan.Held,
		Managed:   existing,
	}

	recreated := map[connection.Key]bool{}
	for _, key := range plan.Recreated {
		recreated[key] = true
	}
	notRemoved := map[connection.Key]bool{}

	for _, key := range plan.Removals {
		logger := log.WithField("key", key)
		if err := r.Repository.Delete(ctx, key); err != nil {
			notRemoved[key] = true
			if retry.IsTransient(err) {
				return summary, errors.Wrapf(err, "delete %s", key)
			}
			logger.WithError(err).Warn("Failed to delete connection")
			summary.Failures = append(summary.Failures, OperationError{Op: OpDelete, Key: key, Err: err})
			continue
		}
		summary.Managed--
		if recreated[key] {
			logger.Debug("Deleted stale connection")
			continue
		}
		logger.Info("Deleted connection")
		summary.Removed = append(summary.Removed, key)
	}

	for _, c := range plan.Additions {
		logger := log.WithFields(log.Fields{"key": c.Key, "address": c.Address, "protocol": c.Protocol})
		if notRemoved[c.Key] {
			logger.Warn("Not recreating connection, the stale one is still present")
			summary.Failures = append(summary.Failures, OperationError{Op: OpCreate, Key: c.Key, Err: errStaleNotRemoved})
			continue
		}
		if err := r.Repository.Create(ctx, c); err != nil {
			if retry.IsTransient(err) {
				return summary, errors.Wrapf(err, "create %s", c.Key)
			}
			logger.WithError(err).Warn("Failed to create connection")
			summary.Failures = append(summary.Failures, OperationError{Op: OpCreate, Key: c.Key, Err: err})
			continue
		}
		summary.Managed++
		if recreated[c.Key] {
			logger.Info("Recreated connection with new address")
			summary.Recreated = append(summary.Recreated, c.Key)
			continue
		}
		logger.Info("Created connection")
		summary.Added = append(summary.Added, c.Key)
	}
	return summary, nil
}

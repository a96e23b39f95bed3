package connection

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"net"

	"github.com/guacscanner/guacscanner/pkg/retry"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// NamespaceConflictError reports two distinct records resolving to the same
// managed key. It means the id-to-key derivation no longer holds and nothing
// should be applied until an operator looks at it.
type NamespaceConflictError struct {
	Key     Key
	Sources []string
}

func (e *NamespaceConflictError) Error() string {
	return fmt.Sprintf("namespace conflict: %d records resolve to managed key %s: %v", len(e.Sources), e.Key, e.Sources)
}

// IsNamespaceConflict reports whether err is, or wraps, a NamespaceConflictError.
func IsNamespaceConflict(err error) bool {
	var c *NamespaceConflictError
	return errors.As(err, &c)
}

// SQLSTATE values that are handled explicitly.
const (
	uniqueViolation = pq.ErrorCode("23505")
)

// classify marks connectivity failures as transient so the retry policy picks
// them up. Everything else, constraint violations included, is returned as is.
func classify(err error) error {
	if err == nil || retry.IsTransient(err) {
		return err
	}
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return retry.Transient(retry.KindStore, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Transient(retry.KindStore, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// connection_exception, insufficient_resources, operator_intervention
		case "08", "53", "57":
			return retry.Transient(retry.KindStore, err)
		// serialization_failure, deadlock_detected
		case "40":
			return retry.Transient(retry.KindStore, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

package connection

import (
	"context"
	"database/sql/driver"
	"io"
	"testing"

	"github.com/guacscanner/guacscanner/pkg/retry"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	require.NoError(t, classify(nil))

	for _, err := range []error{
		driver.ErrBadConn,
		io.EOF,
		errors.Wrap(io.ErrUnexpectedEOF, "read"),
		context.DeadlineExceeded,
		&pq.Error{Code: "08006"},
		&pq.Error{Code: "57P01"},
		&pq.Error{Code: "40001"},
		&pq.Error{Code: "53300"},
	} {
		require.True(t, retry.IsTransient(classify(err)), "%v", err)
	}

	for _, err := range []error{
		&pq.Error{Code: "23503"},
		&pq.Error{Code: "23505"},
		errors.New("syntax error"),
	} {
		require.False(t, retry.IsTransient(classify(err)), "%v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(errors.Wrap(&pq.Error{Code: "23505"}, "insert")))
	require.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	require.False(t, isUniqueViolation(errors.New("other")))
}

func TestNamespaceConflictError(t *testing.T) {
	err := errors.Wrap(&NamespaceConflictError{Key: "guacscanner-i-1", Sources: []string{"a", "b"}}, "list")
	require.True(t, IsNamespaceConflict(err))
	require.Contains(t, err.Error(), "guacscanner-i-1")
	require.False(t, IsNamespaceConflict(errors.New("other")))
}

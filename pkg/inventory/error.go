package inventory

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/guacscanner/guacscanner/pkg/retry"
	"github.com/pkg/errors"
)

// AuthError is returned when the provider rejects our credentials or
// permissions. Retrying does not help.
type AuthError struct {
	Code string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider authentication failed (%s): %s", e.Code, e.Err)
}

// Unwrap returns the provider error.
func (e *AuthError) Unwrap() error { return e.Err }

// IsAuth reports whether err is, or wraps, an AuthError.
func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}

var authCodes = map[string]bool{
	"AuthFailure":                 true,
	"UnauthorizedOperation":       true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"ExpiredToken":                true,
	"RequestExpired":              true,
	"OptInRequired":               true,
	"Blocked":                     true,
	"NoCredentialProviders":       true,
	"AccessDenied":                true,
	"UnrecognizedClientException": true,
}

// classify sorts a provider error into fatal authentication failures,
// transient failures worth retrying and everything else.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Transient(retry.KindProvider, err)
	}
	if aerr, ok := err.(awserr.Error); ok {
		if authCodes[aerr.Code()] {
			return &AuthError{Code: aerr.Code(), Err: err}
		}
	}
	if request.IsErrorThrottle(err) || request.IsErrorRetryable(err) {
		return retry.Transient(retry.KindProvider, err)
	}
	return err
}

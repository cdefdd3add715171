package store

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// The error taxonomy every caller dispatches on. Wrap with
// fmt.Errorf("%w: ...") and test with errors.Is().
var (
	// Transient index failure (network, timeout, 5xx). Retriable.
	StoreUnavailableError = errors.New("StoreUnavailable")

	// The request itself is malformed or oversized. Retrying the
	// same request can never succeed.
	QueryRejectedError = errors.New("QueryRejected")

	// The caller is not allowed to touch the requested scope.
	ForbiddenError = errors.New("Forbidden")

	// The analyzer can not run against this timeline's schema.
	NotApplicableError = errors.New("NotApplicable")
)

func StoreUnavailable(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", StoreUnavailableError, fmt.Sprintf(format, v...))
}

func QueryRejected(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", QueryRejectedError, fmt.Sprintf(format, v...))
}

func Forbidden(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ForbiddenError, fmt.Sprintf(format, v...))
}

func NotApplicable(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", NotApplicableError, fmt.Sprintf(format, v...))
}

// IsRetriable reports whether the scheduler may retry the operation.
func IsRetriable(err error) bool {
	return errors.Is(err, StoreUnavailableError)
}

// ClassifyTransportError folds transport level failures into the
// taxonomy. Timeouts and connection errors look different to net/http
// but are all StoreUnavailable to us.
func ClassifyTransportError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return StoreUnavailable("operation timed out: %v", err)
	}

	var net_err net.Error
	if errors.As(err, &net_err) {
		return StoreUnavailable("%v", err)
	}

	return StoreUnavailable("%v", err)
}

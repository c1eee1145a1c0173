package keystone

import (
	"context"
	stderrs "errors"
	"net"
	"net/http"

	"github.com/cloudvia/keystone-sync/internal/errors"
)

// classifyStatus maps a Keystone HTTP status to the backend error taxonomy.
// Conflict (409) is deliberately its own code: idempotent operations absorb
// it as success. 2xx returns nil.
func classifyStatus(status int, op string, detail string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return errors.Newf(errors.CodeBackendAuthError, "%s: authentication rejected: %s", op, detail)
	case status == http.StatusConflict:
		return errors.Newf(errors.CodeBackendConflict, "%s: already in desired state: %s", op, detail)
	case status == http.StatusNotFound:
		return errors.Newf(errors.CodeBackendNotFound, "%s: not found: %s", op, detail)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return errors.Newf(errors.CodeBackendTransient, "%s: backend unavailable (HTTP %d): %s", op, status, detail)
	default:
		// 400, 403 and the rest of 4xx: the backend refuses the operation
		// for policy or validation reasons. Not retried.
		return errors.Newf(errors.CodeBackendRejected, "%s: rejected (HTTP %d): %s", op, status, detail)
	}
}

// classifyTransport maps transport-level failures. Timeouts and connection
// resets are transient; context cancellation maps to the timeout code so
// shutdown is not mistaken for a backend outage. http.Client wraps context
// errors in *url.Error, so unwrap-aware matching is required.
func classifyTransport(err error, op string) error {
	if err == nil {
		return nil
	}
	if stderrs.Is(err, context.Canceled) || stderrs.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(err, errors.CodeTimeout, "%s: call cancelled or timed out", op)
	}
	var netErr net.Error
	if stderrs.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrapf(err, errors.CodeTimeout, "%s: network timeout", op)
	}
	return errors.Wrapf(err, errors.CodeBackendTransient, "%s: network error", op)
}

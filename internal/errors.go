package internal

import (
	"errors"
	"fmt"
	"net/http"
)

// statusErr is an error corresponding to an HTTP status code. Provider
// responses with codes >= 400 surface as these so callers can branch on the
// upstream's intent without re-parsing responses.
type statusErr int

func (e statusErr) Error() string {
	return fmt.Sprintf("%d: %s", int(e), http.StatusText(int(e)))
}

// status returns the underlying HTTP status code.
func (e statusErr) status() int {
	return int(e)
}

var (
	errNotFound   = statusErr(http.StatusNotFound)
	errBadRequest = statusErr(http.StatusBadRequest)

	// errProviderConfig signals invalid credentials (HTTP 401). Unlike
	// transient provider failures this is fatal to the invocation -- retrying
	// with the same key can't help.
	errProviderConfig = errors.New("provider configuration error")

	// errQuotaExhausted is returned when the daily ISBNdb budget is spent.
	// Resolvers downgrade it to a not-found result; the author consumer
	// retries so the message is redelivered after the daily reset.
	errQuotaExhausted = errors.New("daily quota exhausted")

	// errPoisonMessage marks payloads that can never succeed: malformed JSON,
	// or a body carrying neither isbn nor isbns. These are acked without
	// retry.
	errPoisonMessage = errors.New("poison message")
)

// validationErr rejects malformed input at ingress: bad ISBNs, unknown prompt
// variants, out-of-range year/month.
type validationErr struct {
	msg string
}

func (e *validationErr) Error() string { return e.msg }

func validationErrf(format string, args ...any) error {
	return &validationErr{msg: fmt.Sprintf(format, args...)}
}

// isNotFound reports whether err is the not-found status error.
func isNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

// isValidation reports whether err is a validation error.
func isValidation(err error) bool {
	var v *validationErr
	return errors.As(err, &v)
}

// isTransient reports whether a provider error is worth cascading past:
// rate limits, upstream 5XX, timeouts and network problems. Configuration
// errors and validation errors are not transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errProviderConfig) || isValidation(err) {
		return false
	}
	var se statusErr
	if errors.As(err, &se) {
		code := se.status()
		return code == http.StatusTooManyRequests || code == http.StatusForbidden || code >= 500
	}
	return true
}

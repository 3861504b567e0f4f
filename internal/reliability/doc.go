// Package reliability provides the retry policies used by the background
// task runner and the transport bindings.
//
// Policies decide whether a failed attempt should be retried and how long to
// wait before the next one. Error classification is delegated to the error
// itself through the IsRetryable interface, so callers can mark failures as
// transient or fatal at the point where they occur.
package reliability

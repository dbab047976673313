// Package graceful implements a process-wide shutdown coordinator.
//
// A Graceful gates process termination behind a set of registered readiness
// checks. Subsystems register a shutdown listener to learn when shutdown
// begins, and a readiness check to vote on when it is safe for the process to
// die. Shutdown may be triggered by a signal, by an unhandled error, or
// explicitly; it is idempotent, so concurrent triggers collapse into one.
//
// Once triggered, the coordinator notifies every listener synchronously in
// registration order and then polls the conjunction of all readiness checks.
// When they all pass the process exits cleanly; if they still fail when the
// force timeout elapses, the process exits anyway. The exit code is 0 for a
// clean shutdown, the triggering error's ExitCode if it carries one, and 1
// otherwise.
//
// If shutdown was triggered with an error, the error is handed to a
// configurable messenger before the process is allowed to exit, so the cause
// of death is durably recorded even when the rest of the process is wedged.
package graceful

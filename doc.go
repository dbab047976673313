// Package cluster keeps a service available through worker crashes and takes
// it down gracefully when the time comes.
//
// One binary plays two roles. Launched plainly it is the master: it forks
// copies of itself as workers, restarts them when they die, and damps
// crash loops by delaying the replacement of a worker that died young. Forked
// with the supervisor's environment marker it is a worker: it runs the
// application code, usually an HTTP server wrapped by the drain package so
// shutdown does not drop accepted requests.
//
// Shutdown in either role runs through a graceful.Graceful coordinator. Any
// component registers the work it must finish before the process may exit,
// and any component may trigger shutdown, with or without an error. The
// coordinator reports the triggering error, polls the registered checks
// until they all pass, and exits with a code derived from the error. A force
// timeout bounds the wait.
//
// The subpackages stand alone: graceful for shutdown coordination, drain for
// HTTP connection draining, supervisor for worker supervision. This package
// ties them together for the common case.
package cluster

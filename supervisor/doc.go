// Package supervisor implements the master side of a multi-process server: it
// forks worker processes by re-executing the current binary, restarts them
// when they die, and tears them all down on shutdown.
//
// The restart policy damps crash loops: a worker that lived for less than the
// spin timeout is presumed to be failing fast against a broken resource, so
// its replacement is delayed rather than forked immediately. Shutdown sends
// SIGTERM to every worker, polls until none remain, and escalates to SIGKILL
// for stragglers once the kill timeout elapses.
//
// Attached to a graceful.Graceful coordinator, the supervisor holds the
// master process alive until its workers are gone, and raises the
// coordinator's force timeout so the SIGKILL escalation always gets a chance
// to run first.
package supervisor

// Package drain makes an HTTP server shut down without dropping accepted
// requests.
//
// A Drainer wraps one http.Server. During normal operation it only accounts:
// every accepted socket, every in-flight request, and how many concurrent
// requests each socket is serving. Once shutdown begins it stops the server
// from accepting new connections, marks every in-flight response so its
// connection closes when the response finishes, destroys sockets that are
// sitting idle on keepalive, and answers any request that still leaks in
// with a 503 telling the client to retry elsewhere. A recurring reaper
// sweeps up sockets that become idle only after the first pass.
//
// The drainer plugs into a graceful.Graceful coordinator: its readiness
// check holds the process alive until no responses remain in flight, and the
// coordinator's force timeout bounds how long a stuck handler can delay
// process death.
package drain

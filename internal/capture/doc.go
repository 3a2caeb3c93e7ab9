// Package capture implements the client side of a shared-memory audio
// capture stream. A producer service writes frames into a ring buffer
// coordinated through a shared control block; this package consumes them,
// either through blocking reads or through a notification worker that
// drives application callbacks. When the producer dies mid-stream the
// session transparently rebuilds the connection with a single-flight
// recovery protocol.
package capture

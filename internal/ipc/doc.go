// Package ipc implements the daemon's Unix-socket transport: a server that
// frames connections into line-delimited JSON records and routes them to
// dispatch handlers, and a client used by the CLI and the serve bridge.
package ipc

// Package dispatch owns the in-memory coordination state: the worker
// registry, the pending task queue, blocked long-polls, and the transitions
// between them. All state is process-local and lost on restart.
package dispatch

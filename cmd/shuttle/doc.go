// Command shuttle is the CLI and daemon entry point: `shuttle daemon` runs
// the dispatch daemon in the foreground, the remaining subcommands control
// or query a running daemon over its Unix socket.
package main

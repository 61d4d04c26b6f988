// Package cmd implements the command-line interface of tKV. It provides a hierarchical command
// structure with operations for running the server and talking to it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: starts and configures the tKV server
//   - kv: client commands (get, set, del), an interactive shell and a load generator
//   - util: shared helpers for flags and configuration (internal use)
//
// See tkv --help for a list of all commands.
package cmd

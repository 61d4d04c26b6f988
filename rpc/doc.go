// Package rpc contains everything that moves requests between clients and the store.
//
// The package is organized into several subpackages:
//
//   - common: the binary wire format, stream framers, configuration and logging.
//
//   - registry: the table of connected clients the dispatcher delivers responses through.
//
//   - transport: network listeners and connectors (TCP, Unix sockets) sharing one
//     connection implementation in transport/base.
//
//   - client: a pipelining client for the binary protocol.
//
//   - server: assembles persistence, dispatcher, registry and transport into a server process,
//     with optional RESP and admin HTTP listeners.
package rpc

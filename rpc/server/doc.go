// Package server wires the components of a key-value server process together.
//
// Start performs, in order:
//
//  1. open the data directory (persist.Open) and replay it into a fresh trie (Store.Recover)
//  2. create the client registry and the dispatcher
//  3. bind the protocol listener and, if configured, the RESP and admin listeners
//  4. run the dispatcher, the transport and the optional endpoints in one errgroup
//
// Any fatal error (failed WAL append, failed snapshot, failed rotation) ends the group, which
// closes all listeners and connections. Wait then closes the store, so every file is synced
// before the process exits.
//
// Optional endpoints:
//
//   - RESP (ServerConfig.RESPEndpoint): GET, SET, DEL, PING and QUIT for redis clients, served
//     through the same dispatcher as the binary protocol.
//
//   - Admin HTTP (ServerConfig.MetricsEndpoint): GET /metrics in Prometheus text format and
//     GET /healthz with a small JSON status.
package server

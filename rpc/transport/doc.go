// Package transport defines the interfaces between the network layer and the rest of the server.
//
// The package focuses on:
//   - A transport-agnostic server contract (IServerTransport) that accepts connections and feeds
//     decoded requests into a ServerHandler
//   - A client contract (IClientConnector) that opens connections for a transport type
//   - Multiple implementations (TCP, Unix sockets) sharing the connection handling in package base
//
// Key Components:
//
//   - IServerTransport: creates the listener and serves connections until the context ends.
//
//   - ServerHandler: the registry and the dispatcher seen from a connection. The server
//     assembles it from a registry.Registry and a dispatch.Dispatcher.
//
//   - IClientConnector: dials an endpoint and tunes the socket. The handshake is done by the
//     caller (see base.Handshake).
package transport

// Package base implements the connection handling shared by all transport types. Transport
// specific behavior (creating listeners, dialing, socket options, client identities) is plugged
// in through IServerConnector and transport.IClientConnector.
//
// Connection Lifecycle:
//
//  1. Accept and apply socket options (IServerConnector.UpgradeConnection).
//  2. Handshake: the server writes the hello byte (77) and waits for the client to echo it.
//     The handshake is bounded by the configured timeout. Any failure closes the connection.
//  3. Register the connection's outbox under its client id.
//  4. Run a reader and a writer goroutine in an errgroup. The reader frames incoming bytes and
//     submits requests, the writer drains the outbox. Both progress independently, the first
//     failure (or server shutdown) closes the socket and stops the other.
//  5. Deregister and close.
//
// Key Components:
//
//   - serverTransport: the accept loop, generic over IServerConnector.
//
//   - connection: one accepted client with its reader and writer.
//
//   - outbox: the registry.Handle of a connection, backed by an unbounded lock-free queue so
//     that the dispatcher never waits for a slow client.
//
//   - Dial / Handshake: the client side of connection setup.
//
// Thread Safety:
//
//	serverTransport.Serve may run once per listener. Each connection is served by its own
//	goroutines; the only state shared with other goroutines is the outbox.
package base

// Package common provides the pieces shared by the server, the transports and the client.
//
// Key Components:
//
//   - Wire protocol: opcodes, the hello byte of the handshake and AppendRequest/AppendResponse
//     for encoding frames.
//
//   - Framers: RequestFramer (server side) and ResponseFramer (client side) accumulate raw bytes
//     from a connection and return complete frames. A frame split over any number of reads is
//     returned exactly once, as soon as its last byte arrived.
//
//   - ServerConfig / ClientConfig: configuration for the server process and the client, with
//     pretty printing for startup logs.
//
//   - Logger: a custom implementation of dragonboat's logger.ILogger giving every package the
//     same "LEVEL | package | message" format.
package common

// Package tcp implements the TCP transport. It provides the TCP specific connectors for the
// connection handling in package base.
//
// Key Components:
//
//   - serverConnector: listens on host:port, identifies clients by their remote address and
//     applies the socket options (no delay, keep alive, linger, buffer sizes).
//
//   - clientConnector: dials host:port and applies the same socket options.
package tcp

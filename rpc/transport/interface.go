package transport

import (
	"context"
	"net"

	"github.com/ValentinKolb/tkv/lib/dispatch"
	"github.com/ValentinKolb/tkv/rpc/common"
	"github.com/ValentinKolb/tkv/rpc/registry"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandler is what a server transport hands connections and requests to
type ServerHandler interface {
	// Register makes a connection reachable for responses under id, replacing an older one
	Register(id string, h registry.Handle)
	// Deregister removes a connection, h guards against removing a newer connection with the same id
	Deregister(id string, h registry.Handle)
	// Submit forwards a decoded request. It may block (backpressure) until ctx is done.
	Submit(ctx context.Context, req dispatch.Request) error
}

// IServerTransport is the interface for the server side of the transport layer
type IServerTransport interface {
	// Listen creates the listener for the configured endpoint
	Listen(config common.ServerConfig) (net.Listener, error)
	// Serve accepts connections on ln until ctx is done. Every connection is handshaked,
	// registered with handler and served until it closes. Serve closes ln and returns after all
	// connections are gone.
	Serve(ctx context.Context, ln net.Listener, config common.ServerConfig, handler ServerHandler) error
	// GetName returns the name of the transport type (e.g. "unix", "tcp")
	GetName() string
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IClientConnector opens client connections for a specific transport type
type IClientConnector interface {
	// Connect establishes a connection to config.Endpoint and applies the socket settings.
	// The returned connection has not been handshaked yet.
	Connect(ctx context.Context, config common.ClientConfig) (net.Conn, error)
	// GetName returns the name of the transport type (e.g. "unix", "tcp")
	GetName() string
}

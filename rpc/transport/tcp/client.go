package tcp

import (
	"context"
	"net"

	"github.com/ValentinKolb/tkv/rpc/common"
	"github.com/ValentinKolb/tkv/rpc/transport"
)

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(ctx context.Context, config common.ClientConfig) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", config.Endpoint)
	if err != nil {
		return nil, err
	}
	if err := upgrade(conn, config.Transport); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// --------------------------------------------------------------------------
// Client Connector Factory Method
// --------------------------------------------------------------------------

// NewTCPClientConnector creates a new TCP client connector
func NewTCPClientConnector() transport.IClientConnector {
	return &clientConnector{}
}

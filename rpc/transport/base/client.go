package base

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/tkv/rpc/common"
	"github.com/ValentinKolb/tkv/rpc/transport"
)

// Dial connects to config.Endpoint with connector and performs the client side of the handshake.
// The returned connection is ready for request frames.
func Dial(ctx context.Context, connector transport.IClientConnector, config common.ClientConfig) (net.Conn, error) {
	conn, err := connector.Connect(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s via %s: %w", config.Endpoint, connector.GetName(), err)
	}

	timeout := time.Duration(config.TimeoutSecond) * time.Second
	if err := Handshake(conn, timeout); err != nil {
		conn.Close()
		return nil, err
	}

	Logger.Debugf("connected to %s via %s", config.Endpoint, connector.GetName())
	return conn, nil
}

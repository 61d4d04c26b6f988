package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/tkv/rpc/common"
	"github.com/ValentinKolb/tkv/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport")

var (
	connectionsAccepted = metrics.NewCounter("tkv_connections_accepted_total")
	handshakeFailures   = metrics.NewCounter("tkv_handshake_failures_total")
	openConnections     atomic.Int64
	_                   = metrics.NewGauge("tkv_connections_open", func() float64 {
		return float64(openConnections.Load())
	})
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error

	// ClientID derives the identity of an accepted connection. seq is unique per accepted
	// connection and can be used where the peer address alone is not unique.
	ClientID(conn net.Conn, seq uint64) string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the accept loop and the per-connection handling shared by all
// transport types
type serverTransport struct {
	connector IServerConnector
	seq       atomic.Uint64
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix)
// -----------------------------------------------------------

// NewBaseServerTransport creates a server transport for the given connector
func NewBaseServerTransport(connector IServerConnector) transport.IServerTransport {
	return &serverTransport{connector: connector}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) GetName() string {
	return t.connector.GetName()
}

func (t *serverTransport) Listen(config common.ServerConfig) (net.Listener, error) {
	ln, err := t.connector.Listen(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return ln, nil
}

func (t *serverTransport) Serve(ctx context.Context, ln net.Listener, config common.ServerConfig, handler transport.ServerHandler) error {
	Logger.Infof("serving %s connections on %s", t.connector.GetName(), ln.Addr())

	// stop accepting once ctx is done
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	var conns sync.WaitGroup
	defer conns.Wait()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				Logger.Infof("stopped accepting %s connections on %s", t.connector.GetName(), ln.Addr())
				return nil
			}

			// temporary failures (e.g. too many open files), retry with backoff
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			Logger.Errorf("accept error: %v, retrying in %s", err, backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0
		connectionsAccepted.Inc()

		c := &connection{
			conn:    conn,
			id:      t.connector.ClientID(conn, t.seq.Add(1)),
			timeout: time.Duration(config.TimeoutSecond) * time.Second,
			handler: handler,
		}
		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			Logger.Warningf("failed to apply socket options to %s: %v", c.id, err)
		}

		conns.Add(1)
		go func() {
			defer conns.Done()
			c.serve(ctx)
		}()
	}
}

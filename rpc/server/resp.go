package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/ValentinKolb/tkv/lib/dispatch"
	"github.com/ValentinKolb/tkv/rpc/transport"
	"github.com/tidwall/redcon"
)

// --------------------------------------------------------------------------
// RESP adapter
// --------------------------------------------------------------------------

/*
 The RESP adapter lets redis clients talk to the store. Commands go through the same registry
 and dispatcher as the binary protocol, so they are ordered and persisted exactly like native
 requests. Supported: GET, SET, DEL, PING, QUIT.
*/

// respConn is the registry.Handle of a RESP connection. redcon handles the commands of one
// connection sequentially, so there is at most one response in flight.
type respConn struct {
	id        string
	responses chan dispatch.Response
}

func (c *respConn) Push(resp dispatch.Response) bool {
	select {
	case c.responses <- resp:
		return true
	default:
		return false
	}
}

type respServer struct {
	srv     *redcon.Server
	handler transport.ServerHandler
	served  chan error

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// listenRESP binds addr and starts serving RESP connections
func listenRESP(addr string, handler transport.ServerHandler) (*respServer, error) {
	s := &respServer{
		handler: handler,
		served:  make(chan error, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.srv = redcon.NewServer(addr, s.handle, s.accept, s.closedConn)

	listening := make(chan error, 1)
	go func() {
		s.served <- s.srv.ListenServeAndSignal(listening)
	}()
	if err := <-listening; err != nil {
		s.cancel()
		return nil, fmt.Errorf("failed to listen for RESP on %s: %w", addr, err)
	}

	Logger.Infof("serving RESP connections on %s", s.srv.Addr())
	return s, nil
}

func (s *respServer) addr() net.Addr {
	return s.srv.Addr()
}

// serve blocks until ctx is done, then closes the server
func (s *respServer) serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		s.close()
		return nil
	case err := <-s.served:
		s.cancel()
		return err
	}
}

func (s *respServer) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.srv.Close()
}

func (s *respServer) accept(conn redcon.Conn) bool {
	if s.closed.Load() {
		return false
	}
	rc := &respConn{
		id:        "resp:" + conn.RemoteAddr(),
		responses: make(chan dispatch.Response, 1),
	}
	s.handler.Register(rc.id, rc)
	conn.SetContext(rc)
	Logger.Debugf("RESP client %s connected", rc.id)
	return true
}

func (s *respServer) closedConn(conn redcon.Conn, err error) {
	rc, ok := conn.Context().(*respConn)
	if !ok {
		return
	}
	s.handler.Deregister(rc.id, rc)
	Logger.Debugf("RESP client %s disconnected: %v", rc.id, err)
}

func (s *respServer) handle(conn redcon.Conn, cmd redcon.Command) {
	rc, ok := conn.Context().(*respConn)
	if !ok || s.closed.Load() {
		conn.Close()
		return
	}

	args := cmd.Args
	switch strings.ToUpper(string(args[0])) {
	case "PING":
		conn.WriteString("PONG")
	case "QUIT":
		conn.WriteString("OK")
		conn.Close()

	case "GET":
		if len(args) != 2 {
			conn.WriteError("ERR wrong number of arguments for 'get' command")
			return
		}
		resp, err := s.roundTrip(rc, dispatch.Request{Op: dispatch.OpGet, Key: args[1]})
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		if resp.Value == nil {
			conn.WriteNull()
			return
		}
		conn.WriteBulk(resp.Value)

	case "SET":
		if len(args) != 3 {
			conn.WriteError("ERR wrong number of arguments for 'set' command")
			return
		}
		if _, err := s.roundTrip(rc, dispatch.Request{Op: dispatch.OpSet, Key: args[1], Value: nonNil(args[2])}); err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteString("OK")

	case "DEL":
		if len(args) != 2 {
			conn.WriteError("ERR wrong number of arguments for 'del' command")
			return
		}
		if _, err := s.roundTrip(rc, dispatch.Request{Op: dispatch.OpSet, Key: args[1]}); err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteString("OK")

	default:
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

// roundTrip submits req on behalf of rc and waits for the response
func (s *respServer) roundTrip(rc *respConn, req dispatch.Request) (dispatch.Response, error) {
	if err := req.Validate(); err != nil {
		return dispatch.Response{}, err
	}

	// redcon reuses the argument buffers after the handler returns, and the key may end up in the trie
	req.ClientID = rc.id
	req.Key = append([]byte{}, req.Key...)
	if req.Value != nil {
		req.Value = append([]byte{}, req.Value...)
	}

	if err := s.handler.Submit(s.ctx, req); err != nil {
		return dispatch.Response{}, err
	}
	select {
	case resp := <-rc.responses:
		return resp, nil
	case <-s.ctx.Done():
		return dispatch.Response{}, s.ctx.Err()
	}
}

// nonNil maps an empty argument to an empty value instead of a tombstone
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

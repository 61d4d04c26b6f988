package base

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/ValentinKolb/tkv/lib/dispatch"
	"github.com/ValentinKolb/tkv/lib/util"
	"github.com/ValentinKolb/tkv/rpc/common"
	"github.com/ValentinKolb/tkv/rpc/transport"
	"golang.org/x/sync/errgroup"
)

const (
	readBufferSize  = 64 * 1024
	writeBufferSize = 64 * 1024
)

// errPeerClosed ends the connection group when the client closed its side
var errPeerClosed = errors.New("connection closed by peer")

// --------------------------------------------------------------------------
// Response handle
// --------------------------------------------------------------------------

// outbox is the registry.Handle of a connection: an unbounded queue, so pushing a response
// never blocks the dispatcher, no matter how slow the client reads
type outbox struct {
	queue *util.Queue[dispatch.Response]
}

func (o *outbox) Push(resp dispatch.Response) bool {
	return o.queue.Push(resp)
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// connection serves a single accepted client
type connection struct {
	conn    net.Conn
	id      string
	timeout time.Duration
	handler transport.ServerHandler
}

// serve runs the connection until the peer disconnects, an I/O or protocol error occurs or ctx
// is done. The connection is always closed and deregistered on return.
func (c *connection) serve(ctx context.Context) {
	openConnections.Add(1)
	defer openConnections.Add(-1)
	defer c.conn.Close()

	if err := greet(c.conn, c.timeout); err != nil {
		handshakeFailures.Inc()
		Logger.Warningf("client %s: %v", c.id, err)
		return
	}

	box := &outbox{queue: util.NewQueue[dispatch.Response]()}
	c.handler.Register(c.id, box)
	defer func() {
		c.handler.Deregister(c.id, box)
		box.queue.Close()
	}()
	Logger.Infof("client %s connected", c.id)

	g, gctx := errgroup.WithContext(ctx)

	// unblocks reads and writes once any side failed or the server stops
	g.Go(func() error {
		<-gctx.Done()
		c.conn.Close()
		return nil
	})
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx, box.queue) })

	err := g.Wait()
	switch {
	case errors.Is(err, errPeerClosed):
		Logger.Infof("client %s disconnected", c.id)
	case ctx.Err() != nil:
		Logger.Infof("client %s closed on shutdown", c.id)
	default:
		Logger.Warningf("client %s closed: %v", c.id, err)
	}
}

// readLoop frames incoming bytes and submits every complete request. It only returns with a
// non-nil error, which cancels the connection group.
func (c *connection) readLoop(ctx context.Context) error {
	var framer common.RequestFramer
	buf := make([]byte, readBufferSize)

	for {
		n, readErr := c.conn.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			for {
				req, ok, err := framer.Next()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				req.ClientID = c.id
				Logger.Debugf("client %s: %v %q", c.id, req.Op, req.Key)
				if err := c.handler.Submit(ctx, req); err != nil {
					return err
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return errPeerClosed
			}
			return readErr
		}
	}
}

// writeLoop writes queued responses in order. Responses that are ready at the same time are
// written with a single flush.
func (c *connection) writeLoop(ctx context.Context, queue *util.Queue[dispatch.Response]) error {
	w := bufio.NewWriterSize(c.conn, writeBufferSize)
	var frame []byte

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-queue.Ready():
		}

		for {
			resp, ok := queue.Pop()
			if !ok {
				break
			}
			frame = common.AppendResponse(frame[:0], resp)
			if _, err := w.Write(frame); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/tkv/lib/dispatch"
	"github.com/ValentinKolb/tkv/rpc/common"
	"github.com/ValentinKolb/tkv/rpc/transport"
	"github.com/ValentinKolb/tkv/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/sethvargo/go-retry"
)

var Logger = logger.GetLogger("client")

var (
	// ErrClosed is returned for requests on a closed client or after the connection broke
	ErrClosed = errors.New("client closed")
	// ErrUnexpectedResponse is returned when the server answered with a different operation
	ErrUnexpectedResponse = errors.New("unexpected response")
)

const (
	readBufferSize = 64 * 1024
	retryBase      = 100 * time.Millisecond
)

// result is what the reader hands to a waiting request
type result struct {
	resp dispatch.Response
	err  error
}

// Client is a connection to a server speaking the binary protocol.
//
// The protocol has no request ids, responses arrive in request order. The client therefore
// keeps a FIFO of waiting callers, appended to in the same critical section as the write of the
// request, and the reader resolves them front to back.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	conn net.Conn

	mu      sync.Mutex // guards writes, pending, buf and err
	pending []chan result
	buf     []byte
	err     error // terminal error, set once

	done chan struct{}
}

// --------------------------------------------------------------------------
// Connection setup
// --------------------------------------------------------------------------

// Dial connects to config.Endpoint using connector and performs the handshake.
// Failed attempts are retried config.RetryCount times with exponential backoff.
func Dial(ctx context.Context, config common.ClientConfig, connector transport.IClientConnector) (*Client, error) {
	var conn net.Conn
	attempt := 0

	backoff := retry.WithMaxRetries(uint64(max(config.RetryCount, 0)), retry.NewExponential(retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var err error
		conn, err = base.Dial(ctx, connector, config)
		if err != nil {
			Logger.Warningf("connection attempt %d to %s failed: %v", attempt, config.Endpoint, err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return newClient(conn), nil
}

// newClient wraps an already handshaked connection
func newClient(conn net.Conn) *Client {
	c := &Client{
		conn: conn,
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// Get returns the value of key. A nil value with a nil error means the key has no value.
func (c *Client) Get(ctx context.Context, key []byte) ([]byte, error) {
	resp, err := c.do(ctx, dispatch.Request{Op: dispatch.OpGet, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Set stores value under key. A nil value clears the key, use []byte{} to store an empty value.
// When Set returns without error the write is durable on the server.
func (c *Client) Set(ctx context.Context, key, value []byte) error {
	_, err := c.do(ctx, dispatch.Request{Op: dispatch.OpSet, Key: key, Value: value})
	return err
}

// Delete clears key, it is a Set with a tombstone
func (c *Client) Delete(ctx context.Context, key []byte) error {
	return c.Set(ctx, key, nil)
}

// do sends req and waits for its response
func (c *Client) do(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return dispatch.Response{}, err
	}

	var err error
	c.buf, err = common.AppendRequest(c.buf[:0], req)
	if err != nil {
		c.mu.Unlock()
		return dispatch.Response{}, err
	}
	if _, err := c.conn.Write(c.buf); err != nil {
		c.mu.Unlock()
		c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
		return dispatch.Response{}, err
	}
	c.pending = append(c.pending, ch)
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.err != nil {
			return dispatch.Response{}, res.err
		}
		if res.resp.Op != req.Op {
			return dispatch.Response{}, fmt.Errorf("%w: sent %v, got %v", ErrUnexpectedResponse, req.Op, res.resp.Op)
		}
		return res.resp, nil
	case <-ctx.Done():
		// the response still arrives and is discarded, ch is buffered
		return dispatch.Response{}, ctx.Err()
	}
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

// readLoop frames responses and hands them to the oldest waiting request
func (c *Client) readLoop() {
	defer close(c.done)

	var framer common.ResponseFramer
	buf := make([]byte, readBufferSize)

	for {
		n, readErr := c.conn.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			for {
				resp, ok, err := framer.Next()
				if err != nil {
					c.fail(err)
					return
				}
				if !ok {
					break
				}
				if !c.resolve(resp) {
					c.fail(fmt.Errorf("%w: %v without a pending request", ErrUnexpectedResponse, resp.Op))
					return
				}
			}
		}
		if readErr != nil {
			c.fail(fmt.Errorf("%w: %v", ErrClosed, readErr))
			return
		}
	}
}

// resolve delivers resp to the oldest pending request
func (c *Client) resolve(resp dispatch.Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return false
	}
	ch := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	ch <- result{resp: resp}
	return true
}

// fail makes err the terminal error, fails all pending requests and closes the connection
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
	c.conn.Close()
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Close closes the connection. Requests still waiting fail with ErrClosed.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	<-c.done
	return nil
}

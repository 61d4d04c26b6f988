package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/tkv/lib/dispatch"
	"github.com/ValentinKolb/tkv/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers requests on one end of a pipe from a map. answer may replace the response.
type fakeServer struct {
	conn   net.Conn
	mu     sync.Mutex
	data   map[string][]byte
	answer func(req dispatch.Request) dispatch.Response
}

func startFakeServer(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	fs := &fakeServer{conn: serverSide, data: make(map[string][]byte)}
	go fs.serve()

	c := newClient(clientSide)
	t.Cleanup(func() {
		c.Close()
		serverSide.Close()
	})
	return c, fs
}

func (fs *fakeServer) serve() {
	var framer common.RequestFramer
	buf := make([]byte, 4096)
	for {
		n, err := fs.conn.Read(buf)
		if err != nil {
			return
		}
		framer.Feed(buf[:n])
		for {
			req, ok, err := framer.Next()
			if err != nil || !ok {
				break
			}
			resp := fs.handle(req)
			if _, err := fs.conn.Write(common.AppendResponse(nil, resp)); err != nil {
				return
			}
		}
	}
}

func (fs *fakeServer) handle(req dispatch.Request) dispatch.Response {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.answer != nil {
		return fs.answer(req)
	}
	resp := dispatch.Response{Op: req.Op}
	switch req.Op {
	case dispatch.OpGet:
		resp.Value = fs.data[string(req.Key)]
	case dispatch.OpSet:
		if req.Value == nil {
			delete(fs.data, string(req.Key))
		} else {
			fs.data[string(req.Key)] = req.Value
		}
	}
	return resp
}

func TestClientGetSetDelete(t *testing.T) {
	c, _ := startFakeServer(t)
	ctx := context.Background()

	v, err := c.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, c.Set(ctx, []byte("a"), []byte("1")))
	v, err = c.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, c.Set(ctx, []byte("e"), []byte{}))
	v, err = c.Get(ctx, []byte("e"))
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Empty(t, v)

	require.NoError(t, c.Delete(ctx, []byte("a")))
	v, err = c.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestClientConcurrentRequests(t *testing.T) {
	c, _ := startFakeServer(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := []byte(fmt.Sprintf("k-%d-%d", g, i))
				value := []byte(fmt.Sprintf("v-%d-%d", g, i))
				if !assert.NoError(t, c.Set(ctx, key, value)) {
					return
				}
				got, err := c.Get(ctx, key)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, value, got)
			}
		}()
	}
	wg.Wait()
}

func TestClientUnexpectedResponse(t *testing.T) {
	c, fs := startFakeServer(t)
	fs.answer = func(req dispatch.Request) dispatch.Response {
		return dispatch.Response{Op: dispatch.OpSet}
	}

	_, err := c.Get(context.Background(), []byte("a"))
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestClientServerGone(t *testing.T) {
	c, fs := startFakeServer(t)
	require.NoError(t, c.Set(context.Background(), []byte("a"), []byte("1")))

	fs.conn.Close()
	<-c.done

	_, err := c.Get(context.Background(), []byte("a"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientClose(t *testing.T) {
	c, _ := startFakeServer(t)
	require.NoError(t, c.Close())

	err := c.Set(context.Background(), []byte("a"), []byte("1"))
	assert.ErrorIs(t, err, ErrClosed)
	// closing twice is fine
	require.NoError(t, c.Close())
}

func TestClientContextCanceled(t *testing.T) {
	c, fs := startFakeServer(t)
	block := make(chan struct{})
	fs.answer = func(req dispatch.Request) dispatch.Response {
		<-block
		return dispatch.Response{Op: req.Op}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, []byte("a"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the late response is consumed without breaking the connection
	close(block)
	fs.mu.Lock()
	fs.answer = nil
	fs.mu.Unlock()
	require.NoError(t, c.Set(context.Background(), []byte("b"), []byte("2")))
}

func TestClientKeyTooLong(t *testing.T) {
	c, _ := startFakeServer(t)
	err := c.Set(context.Background(), make([]byte, 0x8000), []byte("v"))
	assert.Error(t, err)

	// the connection stays usable
	require.NoError(t, c.Set(context.Background(), []byte("a"), []byte("1")))
}

// failingConnector never connects
type failingConnector struct {
	attempts int
}

func (f *failingConnector) Connect(context.Context, common.ClientConfig) (net.Conn, error) {
	f.attempts++
	return nil, errors.New("connection refused")
}

func (f *failingConnector) GetName() string { return "failing" }

func TestDialRetries(t *testing.T) {
	connector := &failingConnector{}
	_, err := Dial(context.Background(), common.ClientConfig{Endpoint: "nowhere", RetryCount: 2}, connector)
	require.Error(t, err)
	assert.Equal(t, 3, connector.attempts)
}

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/tkv/rpc/client"
	"github.com/ValentinKolb/tkv/rpc/common"
	"github.com/ValentinKolb/tkv/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func testConfig(dir string) common.ServerConfig {
	return common.ServerConfig{
		Endpoint:        "127.0.0.1:0",
		Transport:       common.TransportConfig{Name: "tcp", TCPNoDelay: true},
		DataDir:         dir,
		RotateThreshold: 10 << 20,
		SyncWrites:      true,
		QueueCapacity:   64,
		TimeoutSecond:   2,
		LogLevel:        "info",
	}
}

func startServer(t *testing.T, config common.ServerConfig) *Server {
	t.Helper()
	s := New(config, tcp.NewTCPServerTransport())
	require.NoError(t, s.Start(context.Background()))
	return s
}

func stopServer(t *testing.T, s *Server) {
	t.Helper()
	s.Stop()
	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func dialClient(t *testing.T, s *Server) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), common.ClientConfig{
		Endpoint:      s.Addr().String(),
		TimeoutSecond: 2,
	}, tcp.NewTCPClientConnector())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// rawConn connects and performs the handshake by hand
func rawConn(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	hello := make([]byte, 1)
	_, err = io.ReadFull(conn, hello)
	require.NoError(t, err)
	require.Equal(t, byte(77), hello[0])
	_, err = conn.Write(hello)
	require.NoError(t, err)
	return conn
}

func exchange(t *testing.T, conn net.Conn, req []byte, respLen int) []byte {
	t.Helper()
	_, err := conn.Write(req)
	require.NoError(t, err)
	resp := make([]byte, respLen)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	return resp
}

// --------------------------------------------------------------------------
// Wire level scenarios
// --------------------------------------------------------------------------

func TestWireScenario(t *testing.T) {
	s := startServer(t, testConfig(t.TempDir()))
	defer stopServer(t, s)
	conn := rawConn(t, s)

	// set foo bar
	assert.Equal(t, []byte{0x82},
		exchange(t, conn, []byte{0xC2, 0x00, 0x03, 'f', 'o', 'o', 0x00, 0x03, 'b', 'a', 'r'}, 1))
	// get foo
	assert.Equal(t, []byte{0x81, 0x00, 0x03, 'b', 'a', 'r'},
		exchange(t, conn, []byte{0xC1, 0x00, 0x03, 'f', 'o', 'o'}, 6))
	// get missing
	assert.Equal(t, []byte{0x81, 0xFF, 0xFF},
		exchange(t, conn, []byte{0xC1, 0x00, 0x07, 'm', 'i', 's', 's', 'i', 'n', 'g'}, 3))
	// set k "" then get k
	assert.Equal(t, []byte{0x82},
		exchange(t, conn, []byte{0xC2, 0x00, 0x01, 'k', 0x00, 0x00}, 1))
	assert.Equal(t, []byte{0x81, 0x00, 0x00},
		exchange(t, conn, []byte{0xC1, 0x00, 0x01, 'k'}, 3))
	// tombstone
	assert.Equal(t, []byte{0x82},
		exchange(t, conn, []byte{0xC2, 0x00, 0x03, 'f', 'o', 'o', 0xFF, 0xFF}, 1))
	assert.Equal(t, []byte{0x81, 0xFF, 0xFF},
		exchange(t, conn, []byte{0xC1, 0x00, 0x03, 'f', 'o', 'o'}, 3))
}

func TestPipelinedRequests(t *testing.T) {
	s := startServer(t, testConfig(t.TempDir()))
	defer stopServer(t, s)
	conn := rawConn(t, s)

	// three frames in one write, the last one split off by a pause
	_, err := conn.Write([]byte{
		0xC2, 0x00, 0x01, 'a', 0x00, 0x01, '1',
		0xC1, 0x00, 0x01, 'a',
		0xC1,
	})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte{0x00, 0x01, 'b'})
	require.NoError(t, err)

	resp := make([]byte, 1+4+3)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x82, 0x81, 0x00, 0x01, '1', 0x81, 0xFF, 0xFF}, resp)
}

func TestUnknownOpcodeClosesConnection(t *testing.T) {
	s := startServer(t, testConfig(t.TempDir()))
	defer stopServer(t, s)

	bad := rawConn(t, s)
	_, err := bad.Write([]byte{0x01})
	require.NoError(t, err)
	_, err = bad.Read(make([]byte, 1))
	assert.Error(t, err)

	// the server keeps serving others
	c := dialClient(t, s)
	require.NoError(t, c.Set(context.Background(), []byte("x"), []byte("y")))
}

// --------------------------------------------------------------------------
// Client level scenarios
// --------------------------------------------------------------------------

func TestRestartRecovers(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := startServer(t, testConfig(dir))
	c := dialClient(t, s)
	require.NoError(t, c.Set(ctx, []byte("persistent"), []byte("yes")))
	require.NoError(t, c.Set(ctx, []byte("empty"), []byte{}))
	require.NoError(t, c.Set(ctx, []byte("deleted"), []byte("soon")))
	require.NoError(t, c.Delete(ctx, []byte("deleted")))
	c.Close()
	stopServer(t, s)

	s = startServer(t, testConfig(dir))
	defer stopServer(t, s)
	c = dialClient(t, s)

	v, err := c.Get(ctx, []byte("persistent"))
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), v)

	v, err = c.Get(ctx, []byte("empty"))
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Empty(t, v)

	v, err = c.Get(ctx, []byte("deleted"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRotationIsInvisible(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	config := testConfig(dir)
	config.RotateThreshold = 256

	s := startServer(t, config)
	c := dialClient(t, s)

	expected := map[string]string{}
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("key-%03d", i%50)
		value := fmt.Sprintf("value-%d", i)
		require.NoError(t, c.Set(ctx, []byte(key), []byte(value)))
		expected[key] = value

		got, err := c.Get(ctx, []byte(key))
		require.NoError(t, err)
		require.Equal(t, []byte(value), got)
	}
	c.Close()
	stopServer(t, s)

	s = startServer(t, config)
	defer stopServer(t, s)
	c = dialClient(t, s)
	for key, value := range expected {
		got, err := c.Get(ctx, []byte(key))
		require.NoError(t, err)
		assert.Equal(t, []byte(value), got, key)
	}
}

func TestConcurrentClients(t *testing.T) {
	s := startServer(t, testConfig(t.TempDir()))
	defer stopServer(t, s)
	ctx := context.Background()

	const clients = 8
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			c, err := client.Dial(ctx, common.ClientConfig{Endpoint: s.Addr().String(), TimeoutSecond: 2}, tcp.NewTCPClientConnector())
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			for j := 0; j < 50; j++ {
				key := []byte(fmt.Sprintf("c%d-%d", i, j))
				if err := c.Set(ctx, key, key); err != nil {
					errs <- err
					return
				}
				v, err := c.Get(ctx, key)
				if err != nil {
					errs <- err
					return
				}
				if string(v) != string(key) {
					errs <- fmt.Errorf("got %q for %q", v, key)
					return
				}
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < clients; i++ {
		assert.NoError(t, <-errs)
	}
}

// --------------------------------------------------------------------------
// Optional endpoints
// --------------------------------------------------------------------------

func TestRESPAdapter(t *testing.T) {
	config := testConfig(t.TempDir())
	config.RESPEndpoint = "127.0.0.1:0"
	s := startServer(t, config)
	defer stopServer(t, s)

	conn, err := net.Dial("tcp", s.RESPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	r := bufio.NewReader(conn)

	send := func(cmd string) string {
		_, err := conn.Write([]byte(cmd))
		require.NoError(t, err)
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	assert.Equal(t, "+PONG\r\n", send("*1\r\n$4\r\nPING\r\n"))
	assert.Equal(t, "+OK\r\n", send("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"))
	assert.Equal(t, "$3\r\n", send("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	body, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "bar\r\n", body)
	assert.Equal(t, "+OK\r\n", send("*2\r\n$3\r\nDEL\r\n$3\r\nfoo\r\n"))
	assert.Equal(t, "$-1\r\n", send("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))

	// a value the log cannot hold is an error for this command only
	big := strings.Repeat("v", 40000)
	line := send(fmt.Sprintf("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$%d\r\n%s\r\n", len(big), big))
	assert.True(t, strings.HasPrefix(line, "-ERR"), line)
	line = send(fmt.Sprintf("*2\r\n$3\r\nGET\r\n$%d\r\n%s\r\n", len(big), big))
	assert.True(t, strings.HasPrefix(line, "-ERR"), line)
	assert.Equal(t, "+PONG\r\n", send("*1\r\n$4\r\nPING\r\n"))

	// writes through RESP are visible to the binary protocol
	send("*3\r\n$3\r\nSET\r\n$1\r\nx\r\n$1\r\ny\r\n")
	c := dialClient(t, s)
	v, err := c.Get(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), v)
}

func TestAdminEndpoint(t *testing.T) {
	config := testConfig(t.TempDir())
	config.MetricsEndpoint = "127.0.0.1:0"
	s := startServer(t, config)
	defer stopServer(t, s)

	c := dialClient(t, s)
	require.NoError(t, c.Set(context.Background(), []byte("a"), []byte("b")))

	base := "http://" + s.AdminAddr().String()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Clients)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tkv_requests_total{op="set"}`)
	assert.Contains(t, string(body), "tkv_wal_size_bytes")
}

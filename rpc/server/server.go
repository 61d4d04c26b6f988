package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ValentinKolb/tkv/lib/dispatch"
	"github.com/ValentinKolb/tkv/lib/persist"
	"github.com/ValentinKolb/tkv/lib/trie"
	"github.com/ValentinKolb/tkv/rpc/common"
	"github.com/ValentinKolb/tkv/rpc/registry"
	"github.com/ValentinKolb/tkv/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("server")

// connHandler is what the transport sees of the server: the registry for connection
// bookkeeping and the dispatcher for requests
type connHandler struct {
	*registry.Registry
	*dispatch.Dispatcher
}

var _ transport.ServerHandler = connHandler{}

// Server assembles persistence, dispatcher, registry and transport into a running process.
//
// Usage:
//
//	s := server.New(config, tcp.NewTCPServerTransport())
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	}
type Server struct {
	config    common.ServerConfig
	transport transport.IServerTransport

	store      *persist.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	listener   net.Listener
	resp       *respServer
	admin      *adminServer

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New creates a server, nothing is opened before Start
func New(config common.ServerConfig, transport transport.IServerTransport) *Server {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	return &Server{
		config:    config,
		transport: transport,
	}
}

// Start opens the data directory, recovers the store and starts serving in the background.
// It returns once the server accepts connections. Cancel ctx (or call Stop) to shut down, then
// Wait for the result.
func (s *Server) Start(ctx context.Context) (err error) {
	Logger.Infof("starting server%s", s.config.String())

	s.store, err = persist.Open(s.config.DataDir, persist.Options{
		RotateThreshold: s.config.RotateThreshold,
		SyncWrites:      s.config.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	// undo everything opened so far if a later step fails
	defer func() {
		if err != nil {
			s.closeListeners()
			s.store.Close()
		}
	}()

	t := trie.New()
	if err = s.store.Recover(t); err != nil {
		return fmt.Errorf("failed to recover store: %w", err)
	}

	s.registry = registry.New()
	s.dispatcher = dispatch.New(dispatch.Config{QueueCapacity: s.config.QueueCapacity}, s.store, t, s.registry)
	handler := connHandler{Registry: s.registry, Dispatcher: s.dispatcher}

	if s.listener, err = s.transport.Listen(s.config); err != nil {
		return err
	}
	if s.config.RESPEndpoint != "" {
		if s.resp, err = listenRESP(s.config.RESPEndpoint, handler); err != nil {
			return err
		}
	}
	if s.config.MetricsEndpoint != "" {
		if s.admin, err = listenAdmin(s.config.MetricsEndpoint, s.registry, s.store); err != nil {
			return err
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error {
		return s.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return s.transport.Serve(gctx, s.listener, s.config, handler)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.store.Errors():
			Logger.Errorf("persistence failed, shutting down: %v", err)
			return err
		}
	})
	if s.resp != nil {
		g.Go(func() error { return s.resp.serve(gctx) })
	}
	if s.admin != nil {
		g.Go(func() error { return s.admin.serve(gctx) })
	}

	Logger.Infof("server ready on %s (%s)", s.listener.Addr(), s.transport.GetName())
	return nil
}

// Addr returns the address of the protocol listener, valid after Start
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// RESPAddr returns the address of the RESP listener or nil if it is disabled
func (s *Server) RESPAddr() net.Addr {
	if s.resp == nil {
		return nil
	}
	return s.resp.addr()
}

// AdminAddr returns the address of the admin HTTP listener or nil if it is disabled
func (s *Server) AdminAddr() net.Addr {
	if s.admin == nil {
		return nil
	}
	return s.admin.ln.Addr()
}

// Stop initiates a shutdown, use Wait to wait for it
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the server stopped, then closes the store. The result is nil for a regular
// shutdown and the first fatal error otherwise.
func (s *Server) Wait() error {
	err := s.group.Wait()
	s.cancel()
	s.dispatcher.Close()

	if closeErr := s.store.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close store: %w", closeErr))
	}
	if err != nil {
		Logger.Errorf("server stopped: %v", err)
		return err
	}
	Logger.Infof("server stopped")
	return nil
}

// Serve starts the server and blocks until ctx is done or a fatal error occurred
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.resp != nil {
		s.resp.close()
	}
	if s.admin != nil {
		s.admin.ln.Close()
	}
}

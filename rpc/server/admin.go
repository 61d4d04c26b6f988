package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/tkv/lib/persist"
	"github.com/ValentinKolb/tkv/rpc/registry"
	"github.com/gorilla/mux"
)

const adminShutdownTimeout = 5 * time.Second

// --------------------------------------------------------------------------
// Admin HTTP endpoint
// --------------------------------------------------------------------------

// adminServer exposes Prometheus metrics and a health check
type adminServer struct {
	ln       net.Listener
	srv      *http.Server
	registry *registry.Registry
	store    *persist.Store
}

type healthResponse struct {
	Status       string `json:"status"`
	Clients      int    `json:"clients"`
	Snapshotting bool   `json:"snapshotting"`
	DataDir      string `json:"data_dir"`
}

func listenAdmin(addr string, reg *registry.Registry, store *persist.Store) (*adminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for admin requests on %s: %w", addr, err)
	}

	s := &adminServer{ln: ln, registry: reg, store: store}
	router := mux.NewRouter()
	router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.srv = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

	Logger.Infof("serving admin endpoint on http://%s", ln.Addr())
	return s, nil
}

// serve blocks until ctx is done, then shuts the http server down
func (s *adminServer) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin endpoint failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		Logger.Warningf("admin endpoint shutdown failed: %v", err)
	}
	return nil
}

func (s *adminServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w, true)
}

func (s *adminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:       "ok",
		Clients:      s.registry.Len(),
		Snapshotting: s.store.Snapshotting(),
		DataDir:      s.store.Dir(),
	})
}

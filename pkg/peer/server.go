package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/sindef/redis-sentinel/pkg/auth"
)

// Server serves the peer RPC and the operator endpoints.
type Server struct {
	handler       Handler
	authenticator *auth.Authenticator
	metrics       http.Handler

	httpServer *http.Server
}

// NewServer builds a server listening on addr. metrics may be nil.
func NewServer(addr string, handler Handler, authenticator *auth.Authenticator, metrics http.Handler) *Server {
	s := &Server{
		handler:       handler,
		authenticator: authenticator,
		metrics:       metrics,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes returns the request multiplexer.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	authed := s.authenticator.Middleware

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("POST /is-primary-down", authed(s.handleIsPrimaryDown))

	mux.HandleFunc("GET /primaries", authed(s.handlePrimaries))
	mux.HandleFunc("POST /primaries", authed(s.handleAddPrimary))
	mux.HandleFunc("DELETE /primaries/{name}", authed(s.handleRemovePrimary))
	mux.HandleFunc("GET /primaries/{name}/addr", authed(s.handlePrimaryAddr))
	mux.HandleFunc("POST /primaries/{name}/failover", authed(s.handleFailover))
	mux.HandleFunc("GET /primaries/{name}/ckquorum", authed(s.handleCheckQuorum))
	mux.HandleFunc("POST /reset", authed(s.handleReset))

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("Starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Graceful HTTP shutdown: stops accepting new connections and waits for existing ones.
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Failed to shutdown HTTP server")
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleIsPrimaryDown(w http.ResponseWriter, r *http.Request) {
	var req DownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	reply, err := s.handler.IsPrimaryDown(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, reply)
}

func (s *Server) handlePrimaries(w http.ResponseWriter, r *http.Request) {
	st, err := s.handler.Primaries(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleAddPrimary(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.handler.AddPrimary(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRemovePrimary(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.RemovePrimary(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrimaryAddr(w http.ResponseWriter, r *http.Request) {
	addr, err := s.handler.PrimaryAddr(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"addr": addr})
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.Failover(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCheckQuorum(w http.ResponseWriter, r *http.Request) {
	msg, err := s.handler.CheckQuorum(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"result": msg})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		http.Error(w, "pattern is required", http.StatusBadRequest)
		return
	}
	n, err := s.handler.Reset(r.Context(), pattern)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"reset": n})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(2).InfoS("Failed to write response", "error", err)
	}
}

// writeError maps handler errors to a status. Operator mistakes are 400,
// a monitor that did not answer in time is 503.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

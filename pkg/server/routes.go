package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const shutdownTimeout = 5 * time.Second

// Handler returns the API with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api", s.handleAPI)
	mux.HandleFunc("GET /api/summary", s.handleSummaryAPI)
	mux.HandleFunc("GET /api/health", s.handleHealthAPI)
	mux.HandleFunc("GET /api/verify", s.handleVerify)
	mux.HandleFunc("GET /api/nodes/{id}", s.handleNodeAPI)
	mux.HandleFunc("POST /api/nodes/{id}/power", s.handlePower)
	mux.HandleFunc("POST /api/nodes/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /metrics", s.handlePrometheus)
	if s.graphDir != "" {
		mux.Handle("GET /graphs/", http.StripPrefix("/graphs/", http.FileServer(http.Dir(s.graphDir))))
	}

	rl := newRateLimitMiddleware(s.limiter)
	methods := allowMethods(http.MethodGet, http.MethodHead, http.MethodPost)
	return methods(rl(noCacheMiddleware(securityHeadersMiddleware(mux))))
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on %s...", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

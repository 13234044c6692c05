// Package api exposes the service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"kvchain/internal/chain"
	"kvchain/internal/kv"
	"kvchain/internal/service"
)

const (
	readTimeout         = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxBodyBytes        = 1 << 20
)

// Service is the part of service.Service the HTTP layer calls.
type Service interface {
	Payload(ctx context.Context, req service.PayloadRequest) (*service.PayloadResponse, error)
	Upload(ctx context.Context, req service.UploadRequest) (*service.QueryResponse, error)
	QueryByOwner(ctx context.Context, ownerHex string) (*service.QueryResponse, error)
	QueryByIdentity(ctx context.Context, platform, identity string) (*service.IdentityResponse, error)
	Audit(ctx context.Context, ownerHex string) (*chain.AuditReport, []kv.Drift, error)
}

type Server struct {
	svc     Service
	log     logrus.FieldLogger
	limiter *rate.Limiter
	router  *httprouter.Router

	writeTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithWriteTimeout sets how long a handler may take before its response
// is cut off. Uploads wait on the proof service and the archive, so it
// has to cover both.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// NewServer builds the router. rps caps accepted requests per second
// across all clients; zero disables the cap.
func NewServer(svc Service, logger logrus.FieldLogger, rps float64, options ...Option) *Server {
	limit, burst := rate.Inf, 1
	if rps > 0 {
		limit = rate.Limit(rps)
		if burst = int(rps); burst < 1 {
			burst = 1
		}
	}
	s := &Server{
		svc:     svc,
		log:     logger.WithField("component", "api"),
		limiter: rate.NewLimiter(limit, burst),

		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range options {
		o(s)
	}

	r := httprouter.New()
	r.GET("/healthz", s.healthz)
	r.GET("/v1/kv", s.queryByOwner)
	r.GET("/v1/kv/by_identity", s.queryByIdentity)
	r.GET("/v1/kv/audit", s.audit)
	r.POST("/v1/kv/payload", s.payload)
	r.POST("/v1/kv", s.upload)
	r.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		setCORS(w.Header())
		w.WriteHeader(http.StatusNoContent)
	})
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "not found"})
	})
	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v interface{}) {
		s.log.WithField("path", req.URL.Path).Errorf("Handler panic: %v", v)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "internal error"})
	}
	s.router = r
	return s
}

// Handler returns the root handler with logging and throttling applied.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if !s.limiter.Allow() {
			writeJSON(rec, http.StatusTooManyRequests, errorBody{Message: "rate limit exceeded"})
		} else {
			s.router.ServeHTTP(rec, req)
		}
		s.log.WithFields(logrus.Fields{
			"method":   req.Method,
			"path":     req.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Info("Request served")
	})
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    readTimeout,
		WriteTimeout:   s.writeTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("HTTP server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info("Shutting down HTTP server...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type errorBody struct {
	Message string `json:"message"`
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
	h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	setCORS(h)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

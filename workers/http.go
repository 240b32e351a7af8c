package workers

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"strconv"
	"time"

	"pyusdbridge/metrics"
	"pyusdbridge/workers/handlers"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const (
	requestTimeout  = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

// NewRouter mounts the bridge API. Mint requests can block for the whole
// mint submission, so the timeout middleware is kept off /bridge/mint.
func NewRouter(h *handlers.Handlers, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.Named("http"), m))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "X-Requested-With", "Origin"},
		MaxAge:         300,
	}))

	r.Post("/bridge/mint", h.SubmitMint)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/bridge/status/{sourceTxHash}", h.BridgeStatus)
		r.Get("/bridge/info", h.BridgeInfo)

		r.Get("/stats/pending", h.GetPendingTransactions)
		r.Get("/stats/failed", h.GetFailedTransactions)

		r.Get("/balance/liquidity", h.Liquidity)

		r.Get("/health", h.HealthCheck)
		r.Get("/state", h.State)
	})

	r.Method(http.MethodGet, "/metrics", m.Handler())
	return r
}

func requestLogger(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			endpoint := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				endpoint = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequests.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
			m.HTTPLatency.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())

			logger.Info("Request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr))
		})
	}
}

type HTTPServerOpts struct {
	Listen   string
	UseSSL   bool
	CertFile string
	KeyFile  string
	Handler  http.Handler
	Logger   *zap.Logger
}

// HTTPServer is the API worker. It stops accepting requests when its
// context ends and gives in-flight ones shutdownTimeout to finish.
type HTTPServer struct {
	server   *http.Server
	useSSL   bool
	certFile string
	keyFile  string
	logger   *zap.Logger
}

func NewHTTPServer(opts HTTPServerOpts) *HTTPServer {
	server := &http.Server{
		Addr:              opts.Listen,
		Handler:           opts.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if opts.UseSSL {
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &HTTPServer{
		server:   server,
		useSSL:   opts.UseSSL,
		certFile: opts.CertFile,
		keyFile:  opts.KeyFile,
		logger:   opts.Logger.Named("http"),
	}
}

func (s *HTTPServer) Name() string { return "http" }

func (s *HTTPServer) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if s.useSSL {
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		errc <- err
	}()
	s.logger.Info("HTTP service started", zap.String("listen", s.server.Addr), zap.Bool("ssl", s.useSSL))

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	s.logger.Info("HTTP service stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("HTTP service shutdown normal")
	return nil
}

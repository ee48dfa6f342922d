// Package webhook is the HTTP messaging channel. A bridge process in front of
// the chat network posts every inbound message to /webhook and receives the
// bot's replies on its own send endpoint.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/channel"
	"github.com/billie-coop/askdata/internal/media"
)

// SecretHeader carries the shared secret on inbound requests.
const SecretHeader = "X-Webhook-Secret"

const (
	maxBodyBytes    = 16 << 20
	shutdownTimeout = 10 * time.Second
)

// inbound is the JSON body of POST /webhook.
type inbound struct {
	ID    string        `json:"id"`
	From  string        `json:"from"`
	Body  string        `json:"body"`
	Media *inboundMedia `json:"media,omitempty"`
}

// inboundMedia carries an attachment; Data is base64 in JSON.
type inboundMedia struct {
	MimeType string `json:"mimetype"`
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

func (in inbound) delivery() channel.Delivery {
	d := channel.Delivery{ID: in.ID, User: in.From, Body: strings.TrimSpace(in.Body)}
	if in.Media != nil && len(in.Media.Data) > 0 {
		d.Media = &media.Media{MimeType: in.Media.MimeType, Filename: in.Media.Filename, Data: in.Media.Data}
	}
	return d
}

// Server receives deliveries over HTTP and hands them to a channel.Handler
// on their own goroutine.
//
// Used by: main (channel "webhook")
type Server struct {
	addr     string
	secret   string
	handler  channel.Handler
	gatherer prometheus.Gatherer
	health   func() error
	logger   *zap.Logger

	// base outlives individual HTTP requests; deliveries run on it.
	base     context.Context
	inflight sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithSecret requires SecretHeader to match secret. Empty disables the check.
func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

// WithGatherer serves gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck makes /healthz report check's error as 503.
func WithHealthCheck(check func() error) Option {
	return func(s *Server) { s.health = check }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handler channel.Handler, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		handler: handler,
		logger:  zap.NewNop(),
		base:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
				next.ServeHTTP(w, r)
			})
		})
		r.Post("/webhook", s.handleWebhook)
	})
	return r
}

// Run serves until ctx is done, then shuts down and waits for deliveries
// already accepted.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.base = context.WithoutCancel(ctx)
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("webhook listening", zap.String("addr", ln.Addr().String()))
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.inflight.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook shutdown: %w", err)
	}
	return nil
}

// Wait blocks until every accepted delivery has been handled.
func (s *Server) Wait() {
	s.inflight.Wait()
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var in inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if in.ID == "" || in.From == "" {
		http.Error(w, "id and from are required", http.StatusBadRequest)
		return
	}

	d := in.delivery()
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.handler.HandleDelivery(s.base, d)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret != "" {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("http_request_id", middleware.GetReqID(r.Context())),
			zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

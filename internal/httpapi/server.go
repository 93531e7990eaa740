package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"chatfabric/pkg/logx"
)

type ServerConfig struct {
	Addr        string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Server serves HTTP/1.1 and cleartext HTTP/2. There is no write timeout so
// event streams stay open.
type Server struct {
	cfg     ServerConfig
	handler http.Handler
	log     logx.Logger

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}
}

func NewServer(cfg ServerConfig, handler http.Handler, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	return &Server{cfg: cfg, handler: handler, log: log.With(logx.Component("http"))}
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	// Request contexts derive from base so Stop can end long-lived streams
	// before Shutdown waits on them.
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.handler, &http2.Server{MaxConcurrentStreams: 1000}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	s.srv, s.ln, s.cancel = srv, ln, cancel
	s.done = make(chan struct{})

	done := s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", logx.Err(err))
		}
	}()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr reports the bound address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel, done := s.srv, s.cancel, s.done
	s.srv, s.ln, s.cancel = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	cancel()
	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = srv.Close()
	} else {
		err = nil
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("http stopped")
	return err
}

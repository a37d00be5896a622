package httpx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const defaultGrace = 5 * time.Second

type Server struct {
	*http.Server
	grace time.Duration
}

type Option func(*Server)

// WithGrace bounds how long Run waits for in-flight requests on shutdown.
func WithGrace(d time.Duration) Option { return func(s *Server) { s.grace = d } }

func New(addr string, h http.Handler, opts ...Option) *Server {
	s := &Server{
		Server: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		grace: defaultGrace,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run binds the address, serves until ctx is cancelled, then shuts down.
// A bind failure is returned before anything is served.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), s.grace)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown %s: %w", s.Addr, err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

package httpx

import (
	"context"
	"sync"

	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/socket"
)

// Server serves Handler on every reactor of its own stack.
type Server struct {
	// Addr is "ip:port". Port zero picks an ephemeral port.
	Addr    string
	Handler ServerHandler
	Config  Config
	Logger  obs.Logger
	Meter   obs.Meter

	mu    sync.Mutex
	stack *Stack
}

// Start binds and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stack != nil {
		return ErrInvalidState
	}
	addr := s.Addr
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	st, err := NewStack(StackOptions{
		Name:   "server",
		Config: s.Config,
		Listen: addr,
		Server: s.Handler,
		Logger: s.Logger,
		Meter:  s.Meter,
	})
	if err != nil {
		return err
	}
	if err := st.Start(ctx); err != nil {
		return err
	}
	s.stack = st
	return nil
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Server) Stop() error {
	s.mu.Lock()
	st := s.stack
	s.stack = nil
	s.mu.Unlock()
	if st == nil {
		return ErrNotStarted
	}
	return st.Stop()
}

// ListenAddr is the bound address once started.
func (s *Server) ListenAddr() socket.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stack == nil {
		return socket.Address{}
	}
	return s.stack.Addr()
}

// Stack is the running stack, nil when stopped.
func (s *Server) Stack() *Stack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack
}

// BaseServerHandler accepts every connection, reads and drops request
// bodies and answers 200 with no body. Embed it and override what matters.
type BaseServerHandler struct{}

func (BaseServerHandler) AcceptConnection(socket.Address) error { return nil }
func (BaseServerHandler) BeginTransaction(ServerStream) error   { return nil }

func (BaseServerHandler) ReceiveRequestHeaders(s ServerStream) error {
	s.Response().Header.Set("Content-Length", "0")
	return nil
}

func (BaseServerHandler) ConsumeRequestBody(_ ServerStream, p []byte) (int, error) {
	return len(p), nil
}

func (BaseServerHandler) OfferResponseBody(ServerStream) (int, error)    { return 0, nil }
func (BaseServerHandler) ProduceResponseBody(ServerStream, []byte) error { return nil }
func (BaseServerHandler) EndTransaction(ServerStream, ServerPhase)       {}

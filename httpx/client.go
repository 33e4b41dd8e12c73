package httpx

import (
	"context"
	"sync"

	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/socket"
)

// Client runs client transactions on a stack of its own that does not
// listen.
type Client struct {
	Config Config
	Logger obs.Logger
	Meter  obs.Meter
	// Dial builds unconnected conns. Defaults to socket.NewConn.
	Dial func(peer socket.Address) socket.Conn

	mu    sync.Mutex
	stack *Stack
}

func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stack != nil {
		return ErrInvalidState
	}
	st, err := NewStack(StackOptions{
		Name:   "client",
		Config: c.Config,
		Logger: c.Logger,
		Meter:  c.Meter,
		Dial:   c.Dial,
	})
	if err != nil {
		return err
	}
	if err := st.Start(ctx); err != nil {
		return err
	}
	c.stack = st
	return nil
}

func (c *Client) Stop() error {
	c.mu.Lock()
	st := c.stack
	c.stack = nil
	c.mu.Unlock()
	if st == nil {
		return ErrNotStarted
	}
	return st.Stop()
}

func (c *Client) running() (*Stack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stack == nil {
		return nil, ErrNotStarted
	}
	return c.stack, nil
}

// Execute starts t on the least loaded reactor. The outcome arrives through
// h.EndTransaction unless Execute itself fails.
func (c *Client) Execute(ctx context.Context, t *ClientTransaction, h ClientHandler) error {
	st, err := c.running()
	if err != nil {
		return err
	}
	return st.ExecuteClientTransaction(ctx, t, h)
}

// Each runs f on every reactor. Load generators use it to seed
// transactions that then re-execute themselves on the same reactor.
func (c *Client) Each(f func(m *Multiplexer)) error {
	st, err := c.running()
	if err != nil {
		return err
	}
	return st.Execute(f)
}

func (c *Client) Counters() *Counters {
	st, err := c.running()
	if err != nil {
		return nil
	}
	return st.Counters()
}

// BaseClientHandler sends no request body and discards the response body.
// Embed it and override what matters.
type BaseClientHandler struct{}

func (BaseClientHandler) BeginTransaction(ClientStream) error           { return nil }
func (BaseClientHandler) OfferRequestBody(ClientStream) (int, error)    { return 0, nil }
func (BaseClientHandler) ProduceRequestBody(ClientStream, []byte) error { return nil }
func (BaseClientHandler) EndRequest(ClientStream) error                 { return nil }
func (BaseClientHandler) ReceiveResponseHeaders(ClientStream) error     { return nil }
func (BaseClientHandler) EndTransaction(ClientStream, ClientPhase)      {}

func (BaseClientHandler) ConsumeResponseBody(_ ClientStream, p []byte) (int, error) {
	return len(p), nil
}

// Package origin is an origin server handler for load tests. It checks that
// request bodies follow the load generator's pattern and answers with a
// patterned body of a fixed size.
package origin

import (
	"strconv"
	"sync/atomic"

	"github.com/fatih/color"

	"github.com/duderino/everscale-sub002/httpx"
	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/socket"
)

// RequestByte is byte i of every generated request body.
func RequestByte(i int) byte { return 'a' + byte(i%26) }

// ResponseByte is byte i of every generated response body.
func ResponseByte(i int) byte { return 'A' + byte(i%26) }

type Config struct {
	ResponseSize int `config:"response_size"`
	// Chunked leaves Content-Length off so HTTP/1.1 responses are chunked.
	Chunked bool `config:"chunked"`
	// LogTransactions writes one colored line per finished transaction.
	LogTransactions bool `config:"log_transactions"`
}

func DefaultConfig() Config {
	return Config{ResponseSize: 1024}
}

// Stats counts what the origin saw. All fields are safe to read while the
// server runs.
type Stats struct {
	Requests     atomic.Int64
	Completed    atomic.Int64
	Failed       atomic.Int64
	BadBodies    atomic.Int64
	RequestBytes atomic.Int64
}

// Handler implements httpx.ServerHandler.
type Handler struct {
	cfg    Config
	logger obs.Logger
	stats  Stats
}

func New(cfg Config, logger obs.Logger) *Handler {
	if logger == nil {
		logger = obs.NopLogger{}
	}
	return &Handler{cfg: cfg, logger: logger}
}

func (h *Handler) Stats() *Stats { return &h.stats }

// exchange tracks body offsets for one transaction.
type exchange struct {
	received int
	sent     int
	bad      bool
}

func exchangeOf(s httpx.ServerStream) *exchange {
	ex, _ := s.Context().(*exchange)
	return ex
}

func (h *Handler) AcceptConnection(socket.Address) error { return nil }

func (h *Handler) BeginTransaction(s httpx.ServerStream) error {
	s.SetContext(&exchange{})
	h.stats.Requests.Add(1)
	return nil
}

func (h *Handler) ReceiveRequestHeaders(s httpx.ServerStream) error {
	resp := s.Response()
	resp.StatusCode = 200
	resp.Header.Set("Content-Type", "application/octet-stream")
	if !h.cfg.Chunked {
		resp.Header.Set("Content-Length", strconv.Itoa(h.cfg.ResponseSize))
	}
	return nil
}

func (h *Handler) ConsumeRequestBody(s httpx.ServerStream, p []byte) (int, error) {
	ex := exchangeOf(s)
	if ex == nil {
		return 0, httpx.ErrInvalidState
	}
	if len(p) == 0 {
		if ex.bad {
			h.stats.BadBodies.Add(1)
			h.logger.Logf(obs.Warn, "%s: request body does not match the pattern", s.Name())
			return 0, s.SendEmptyResponse(400, "Bad Request")
		}
		return 0, nil
	}
	for i, c := range p {
		if c != RequestByte(ex.received+i) {
			ex.bad = true
			break
		}
	}
	ex.received += len(p)
	h.stats.RequestBytes.Add(int64(len(p)))
	return len(p), nil
}

func (h *Handler) OfferResponseBody(s httpx.ServerStream) (int, error) {
	ex := exchangeOf(s)
	if ex == nil {
		return 0, httpx.ErrInvalidState
	}
	return h.cfg.ResponseSize - ex.sent, nil
}

func (h *Handler) ProduceResponseBody(s httpx.ServerStream, p []byte) error {
	ex := exchangeOf(s)
	if ex == nil {
		return httpx.ErrInvalidState
	}
	for i := range p {
		p[i] = ResponseByte(ex.sent + i)
	}
	ex.sent += len(p)
	return nil
}

func (h *Handler) EndTransaction(s httpx.ServerStream, phase httpx.ServerPhase) {
	if phase == httpx.ServerEnd {
		h.stats.Completed.Add(1)
	} else {
		h.stats.Failed.Add(1)
	}
	if h.cfg.LogTransactions {
		req, code := s.Request(), s.Response().StatusCode
		line := req.Method + " " + req.URI + " " + strconv.Itoa(code) + " " + phase.String()
		switch {
		case phase != httpx.ServerEnd || code >= 500:
			line = color.RedString("%s", line)
		case code >= 400:
			line = color.YellowString("%s", line)
		default:
			line = color.GreenString("%s", line)
		}
		h.logger.Logf(obs.Info, "%s: %s", s.Name(), line)
	}
	s.SetContext(nil)
}

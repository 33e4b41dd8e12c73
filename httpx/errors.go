package httpx

import (
	"errors"

	"github.com/duderino/everscale-sub002/httpx/internal/http1"
	"github.com/duderino/everscale-sub002/internal/pool"
	"github.com/duderino/everscale-sub002/internal/status"
)

var (
	// ErrAgain asks the engine to call again once the socket can make
	// progress.
	ErrAgain = status.ErrAgain
	// ErrPause parks the socket until the application resumes it.
	ErrPause = status.ErrPause
	// ErrClosed is what a stream reports once its connection is gone.
	ErrClosed = status.ErrClosed
	// ErrShutdown means the stack is stopping.
	ErrShutdown = status.ErrShutdown

	ErrInvalidState    = errors.New("httpx: operation not allowed in this state")
	ErrCannotParsePeer = pool.ErrCannotParsePeer
	ErrNoRoute         = errors.New("httpx: no route")
	ErrForbidden       = errors.New("httpx: forbidden")
	ErrNotStarted      = errors.New("httpx: stack not started")
)

// errBreak stops a state machine once a direct-buffer adaptor has moved all
// it was given.
var errBreak = errors.New("httpx: break")

// IsProtocolError reports whether err is a malformed message from the peer.
func IsProtocolError(err error) bool {
	return errors.Is(err, http1.ErrProtocol)
}

// Decision says what a server does with the rest of a request it has
// already answered.
type Decision uint8

const (
	// DrainRequest reads and discards the rest of the request, then sends
	// the response on a connection that stays reusable.
	DrainRequest Decision = iota
	// CloseConnection sends the response at once and closes afterwards.
	CloseConnection
)

func (d Decision) String() string {
	if d == CloseConnection {
		return "close"
	}
	return "drain"
}

// SendResponseError is returned by server handler callbacks that have set
// the response and want it sent without further callbacks for the request.
type SendResponseError struct {
	Decision Decision
}

func (e *SendResponseError) Error() string {
	return "httpx: send response (" + e.Decision.String() + ")"
}

// SendResponse builds the SendResponseError for d.
func SendResponse(d Decision) error {
	return &SendResponseError{Decision: d}
}

func sendResponseDecision(err error) (Decision, bool) {
	var sr *SendResponseError
	if errors.As(err, &sr) {
		return sr.Decision, true
	}
	return DrainRequest, false
}

// Package status holds the non-error outcomes shared by the socket,
// multiplexer and HTTP layers. They travel as errors so every layer can keep
// Go's explicit error returns while still distinguishing "try again later"
// from a real failure.
package status

import "errors"

var (
	// ErrAgain means the operation would block. The caller keeps its state
	// and retries once the descriptor is ready again.
	ErrAgain = errors.New("status: would block")
	// ErrPause means the application asked to stop driving this socket until
	// it is explicitly resumed.
	ErrPause = errors.New("status: paused")
	// ErrClosed means the peer closed the connection.
	ErrClosed = errors.New("status: connection closed")
	// ErrOverflow means a fixed-size resource (buffer, socket table) is full.
	ErrOverflow = errors.New("status: overflow")
	// ErrShutdown means the owning reactor is stopping.
	ErrShutdown = errors.New("status: shutdown")
)

// Keep reports whether err asks the reactor to keep the socket registered.
func Keep(err error) bool {
	return errors.Is(err, ErrAgain) || errors.Is(err, ErrPause)
}

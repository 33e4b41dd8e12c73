package httpx

import "github.com/duderino/everscale-sub002/internal/socket"

// ClientPhase is how far a client transaction got before it ended.
type ClientPhase uint8

const (
	ClientBegin ClientPhase = iota
	ClientConnect
	ClientSendHeaders
	ClientSendBody
	ClientRecvHeaders
	ClientRecvBody
	// ClientEnd is the only successful phase.
	ClientEnd
)

func (p ClientPhase) String() string {
	switch p {
	case ClientBegin:
		return "begin"
	case ClientConnect:
		return "connect"
	case ClientSendHeaders:
		return "send_headers"
	case ClientSendBody:
		return "send_body"
	case ClientRecvHeaders:
		return "recv_headers"
	case ClientRecvBody:
		return "recv_body"
	case ClientEnd:
		return "end"
	default:
		return "unknown"
	}
}

// ServerPhase is how far a server transaction got before it ended.
type ServerPhase uint8

const (
	ServerBegin ServerPhase = iota
	ServerRecvHeaders
	ServerRecvBody
	ServerSendHeaders
	ServerSendBody
	ServerEnd
)

func (p ServerPhase) String() string {
	switch p {
	case ServerBegin:
		return "begin"
	case ServerRecvHeaders:
		return "recv_headers"
	case ServerRecvBody:
		return "recv_body"
	case ServerSendHeaders:
		return "send_headers"
	case ServerSendBody:
		return "send_body"
	case ServerEnd:
		return "end"
	default:
		return "unknown"
	}
}

// ClientHandler drives client transactions. Every callback runs on the
// reactor goroutine that owns the stream. Callbacks return nil to continue,
// ErrAgain or ErrPause to park the stream until it is resumed, and any other
// error to close it.
type ClientHandler interface {
	BeginTransaction(s ClientStream) error
	// OfferRequestBody returns how many body bytes remain. Zero ends the
	// body.
	OfferRequestBody(s ClientStream) (int, error)
	// ProduceRequestBody fills all of p.
	ProduceRequestBody(s ClientStream, p []byte) error
	EndRequest(s ClientStream) error
	ReceiveResponseHeaders(s ClientStream) error
	// ConsumeResponseBody returns how many bytes of p it used. An empty p
	// marks the end of the body.
	ConsumeResponseBody(s ClientStream, p []byte) (int, error)
	// EndTransaction runs exactly once per transaction.
	EndTransaction(s ClientStream, phase ClientPhase)
}

// ServerHandler drives server transactions. BeginTransaction,
// ReceiveRequestHeaders and ConsumeRequestBody may also return
// SendResponse(...) once the response head is set.
type ServerHandler interface {
	// AcceptConnection may refuse a peer by returning an error.
	AcceptConnection(peer socket.Address) error
	BeginTransaction(s ServerStream) error
	ReceiveRequestHeaders(s ServerStream) error
	ConsumeRequestBody(s ServerStream, p []byte) (int, error)
	OfferResponseBody(s ServerStream) (int, error)
	ProduceResponseBody(s ServerStream, p []byte) error
	// EndTransaction runs at most once per begun transaction.
	EndTransaction(s ServerStream, phase ServerPhase)
}

// Stream is what client and server streams share.
type Stream interface {
	Name() string
	Peer() socket.Address
	// Context is the application value attached to the transaction.
	Context() any
	SetContext(v any)
	// Multiplexer is the per-reactor engine the stream runs on. Transactions
	// started through it share the stream's reactor.
	Multiplexer() *Multiplexer

	PauseRecv() error
	ResumeRecv() error
	PauseSend() error
	ResumeSend() error
	// Abort removes the stream at once. EndTransaction reports the phase it
	// was in.
	Abort() error
}

// ClientStream is a client transaction in flight.
type ClientStream interface {
	Stream
	Transaction() *ClientTransaction
	Request() *Request
	Response() *Response
	// Reused reports whether the connection came from the pool.
	Reused() bool

	// SendRequestBody copies p into the request body and returns how much
	// fit.
	SendRequestBody(p []byte) (int, error)
	// ResponseBodyAvailable reports how many response body bytes can be
	// read now. Zero means the body is complete.
	ResponseBodyAvailable() (int, error)
	ReadResponseBody(p []byte) (int, error)
}

// ServerStream is a server transaction in flight.
type ServerStream interface {
	Stream
	Transaction() *ServerTransaction
	Request() *Request
	Response() *Response

	// SendEmptyResponse sets a bodiless response and returns the decision a
	// handler callback should return.
	SendEmptyResponse(statusCode int, reason string) error
	// SendResponse copies resp as the response head and starts sending it.
	SendResponse(resp *Response) error
	// SendResponseBody copies p into the response body and returns how much
	// fit. An empty p ends the body.
	SendResponseBody(p []byte) (int, error)
	RequestBodyAvailable() (int, error)
	ReadRequestBody(p []byte) (int, error)
}

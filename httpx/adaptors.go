package httpx

import "github.com/duderino/everscale-sub002/internal/socket"

// The state machines only know how to pull body bytes from a handler's
// offer/produce callbacks and push them into its consume callback. The
// direct-buffer stream calls wrap the caller's slice in one of these
// adaptors and run the machine until the slice is used up.

// producer hands out p. An empty p ends the body.
type producer struct {
	p []byte
	n int
}

func (a *producer) offer() (int, error) {
	if len(a.p) == 0 {
		return 0, nil
	}
	if left := len(a.p) - a.n; left > 0 {
		return left, nil
	}
	return 0, errBreak
}

func (a *producer) produce(dst []byte) error {
	a.n += copy(dst, a.p[a.n:])
	return nil
}

// consumer copies into p and records how much the machine offered last. A
// nil p only measures.
type consumer struct {
	p       []byte
	n       int
	offered int
}

func (a *consumer) consume(src []byte) (int, error) {
	a.offered = len(src)
	if len(src) == 0 {
		return 0, errBreak
	}
	if a.n == len(a.p) {
		return 0, errBreak
	}
	c := copy(a.p[a.n:], src)
	a.n += c
	if a.n == len(a.p) {
		return c, errBreak
	}
	return c, nil
}

// clientAdaptor rejects every client callback; embedders override the ones
// they serve.
type clientAdaptor struct{}

func (clientAdaptor) BeginTransaction(ClientStream) error                   { return ErrInvalidState }
func (clientAdaptor) OfferRequestBody(ClientStream) (int, error)            { return 0, ErrInvalidState }
func (clientAdaptor) ProduceRequestBody(ClientStream, []byte) error         { return ErrInvalidState }
func (clientAdaptor) EndRequest(ClientStream) error                         { return ErrInvalidState }
func (clientAdaptor) ReceiveResponseHeaders(ClientStream) error             { return ErrInvalidState }
func (clientAdaptor) ConsumeResponseBody(ClientStream, []byte) (int, error) { return 0, ErrInvalidState }
func (clientAdaptor) EndTransaction(ClientStream, ClientPhase)              {}

type requestBodyProducer struct {
	clientAdaptor
	producer
}

func (a *requestBodyProducer) OfferRequestBody(ClientStream) (int, error) { return a.offer() }
func (a *requestBodyProducer) ProduceRequestBody(_ ClientStream, p []byte) error {
	return a.produce(p)
}

type responseBodyConsumer struct {
	clientAdaptor
	consumer
}

func (a *responseBodyConsumer) ConsumeResponseBody(_ ClientStream, p []byte) (int, error) {
	return a.consume(p)
}

type serverAdaptor struct{}

func (serverAdaptor) AcceptConnection(socket.Address) error                { return ErrInvalidState }
func (serverAdaptor) BeginTransaction(ServerStream) error                  { return ErrInvalidState }
func (serverAdaptor) ReceiveRequestHeaders(ServerStream) error             { return ErrInvalidState }
func (serverAdaptor) ConsumeRequestBody(ServerStream, []byte) (int, error) { return 0, ErrInvalidState }
func (serverAdaptor) OfferResponseBody(ServerStream) (int, error)          { return 0, ErrInvalidState }
func (serverAdaptor) ProduceResponseBody(ServerStream, []byte) error       { return ErrInvalidState }
func (serverAdaptor) EndTransaction(ServerStream, ServerPhase)             {}

type responseBodyProducer struct {
	serverAdaptor
	producer
}

func (a *responseBodyProducer) OfferResponseBody(ServerStream) (int, error) { return a.offer() }
func (a *responseBodyProducer) ProduceResponseBody(_ ServerStream, p []byte) error {
	return a.produce(p)
}

type requestBodyConsumer struct {
	serverAdaptor
	consumer
}

func (a *requestBodyConsumer) ConsumeRequestBody(_ ServerStream, p []byte) (int, error) {
	return a.consume(p)
}

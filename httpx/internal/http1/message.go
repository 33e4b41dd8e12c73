package http1

import (
	"errors"
	"strconv"
)

// Request is the head of an HTTP/1.x request. The body never lives here; it
// streams through the socket buffers.
type Request struct {
	Method string
	URI    string
	Major  int
	Minor  int
	Header Header
}

func (r *Request) Proto() string { return proto(r.Major, r.Minor) }

func (r *Request) Reset() {
	r.Method, r.URI = "", ""
	r.Major, r.Minor = 1, 1
	r.Header.Reset()
}

// CopyFrom makes r a deep copy of o that survives o's reset.
func (r *Request) CopyFrom(o *Request) {
	r.Method, r.URI, r.Major, r.Minor = o.Method, o.URI, o.Major, o.Minor
	r.Header.Reset()
	r.Header = append(r.Header, o.Header...)
}

// Response is the head of an HTTP/1.x response.
type Response struct {
	StatusCode int
	Reason     string
	Major      int
	Minor      int
	Header     Header
}

func (r *Response) Proto() string { return proto(r.Major, r.Minor) }

func (r *Response) Reset() {
	r.StatusCode, r.Reason = 0, ""
	r.Major, r.Minor = 1, 1
	r.Header.Reset()
}

func (r *Response) CopyFrom(o *Response) {
	r.StatusCode, r.Reason, r.Major, r.Minor = o.StatusCode, o.Reason, o.Major, o.Minor
	r.Header.Reset()
	r.Header = append(r.Header, o.Header...)
}

func proto(major, minor int) string {
	return "HTTP/" + strconv.Itoa(major) + "." + strconv.Itoa(minor)
}

// ErrProtocol matches every ProtocolError through errors.Is.
var ErrProtocol = errors.New("http1: protocol error")

// ProtocolError is a malformed message. The connection it arrived on cannot
// be trusted for another transaction.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string        { return "http1: " + e.Reason }
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

var (
	ErrHeaderTooLarge   = &ProtocolError{Reason: "header too large"}
	ErrBadStartLine     = &ProtocolError{Reason: "malformed start line"}
	ErrBadVersion       = &ProtocolError{Reason: "unsupported HTTP version"}
	ErrBadHeaderName    = &ProtocolError{Reason: "invalid header field name"}
	ErrBadHeaderLine    = &ProtocolError{Reason: "malformed header line"}
	ErrBadContentLength = &ProtocolError{Reason: "invalid Content-Length"}
	ErrFramingConflict  = &ProtocolError{Reason: "both Transfer-Encoding and Content-Length present"}
	ErrBadTransferCode  = &ProtocolError{Reason: "unsupported Transfer-Encoding"}
	ErrBadChunk         = &ProtocolError{Reason: "invalid chunk framing"}
)

// Formatter misuse. These are application errors, not wire errors.
var (
	ErrBodyNotAllowed = errors.New("http1: message has no body framing")
	ErrBodyTooLong    = errors.New("http1: body exceeds Content-Length")
	ErrBodyTooShort   = errors.New("http1: body shorter than Content-Length")
)

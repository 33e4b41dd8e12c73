package http1

import (
	"strconv"

	"github.com/duderino/everscale-sub002/internal/buffer"
	"github.com/duderino/everscale-sub002/internal/status"
)

// ChunkReserve is the room a chunked block needs besides its data: up to
// eight hex digits and CRLF before, CRLF after.
const ChunkReserve = 12

type fmtState uint8

const (
	fmtStartLine fmtState = iota
	fmtFields
	fmtBlank
	fmtBody
)

// Formatter encodes one message head and frames its body into a buffer that
// may be too small to take everything at once. Each call writes whole lines
// or nothing and remembers where it stopped, so ErrAgain means "drain the
// buffer and call again".
type Formatter struct {
	state     fmtState
	field     int
	body      bodyMode
	remaining int64
	block     int
}

func (f *Formatter) Reset() { *f = Formatter{} }

func (f *Formatter) HeadDone() bool { return f.state == fmtBody }

// UntilClose reports that the body is delimited by closing the connection.
func (f *Formatter) UntilClose() bool { return f.body == bodyUntilClose }

func (f *Formatter) Chunked() bool { return f.body == bodyChunked }

// HasBody reports whether the formatted head allows body bytes.
func (f *Formatter) HasBody() bool { return f.body != bodyNone }

// FormatRequest writes the request head. A request without Content-Length
// or chunked Transfer-Encoding has no body.
func (f *Formatter) FormatRequest(b *buffer.Buffer, req *Request) error {
	start := req.Method + " " + SanitizeHeaderValue(req.URI) + " " + req.Proto() + "\r\n"
	if err := f.formatHead(b, start, req.Header); err != nil {
		return err
	}
	return f.frame(req.Header, true, false)
}

// FormatResponse writes the response head. method is the request method the
// response answers; HEAD responses never carry a body.
func (f *Formatter) FormatResponse(b *buffer.Buffer, resp *Response, method string) error {
	reason := resp.Reason
	if reason == "" {
		reason = DefaultReason(resp.StatusCode)
	}
	start := resp.Proto() + " " + strconv.Itoa(resp.StatusCode) + " " + SanitizeHeaderValue(reason) + "\r\n"
	if err := f.formatHead(b, start, resp.Header); err != nil {
		return err
	}
	return f.frame(resp.Header, BodyAllowed(resp.StatusCode, method), true)
}

func (f *Formatter) formatHead(b *buffer.Buffer, start string, hdr Header) error {
	for {
		switch f.state {
		case fmtStartLine:
			if err := put(b, start); err != nil {
				return err
			}
			f.state = fmtFields
		case fmtFields:
			for f.field < len(hdr) {
				fld := hdr[f.field]
				if name := SanitizeHeaderKey(fld.Name); name != "" {
					if err := putField(b, name, SanitizeHeaderValue(fld.Value)); err != nil {
						return err
					}
				}
				f.field++
			}
			f.state = fmtBlank
		case fmtBlank:
			if err := put(b, "\r\n"); err != nil {
				return err
			}
			f.state = fmtBody
		default:
			return nil
		}
	}
}

// putField writes "name: value\r\n" in pieces and rolls back to the write
// mark if the line does not fit.
func putField(b *buffer.Buffer, name, value string) error {
	if n := len(name) + len(value) + 4; n > b.Capacity() {
		return ErrHeaderTooLarge
	}
	b.WriteMark()
	if b.PutString(name) && b.PutString(": ") && b.PutString(value) && b.PutString("\r\n") {
		return nil
	}
	b.WriteReset()
	return status.ErrAgain
}

func put(b *buffer.Buffer, s string) error {
	if len(s) > b.Capacity() {
		return ErrHeaderTooLarge
	}
	if !b.PutString(s) {
		return status.ErrAgain
	}
	return nil
}

func (f *Formatter) frame(hdr Header, allowed, untilCloseOK bool) error {
	switch {
	case !allowed:
		f.body = bodyNone
	case hdr.HasToken("Transfer-Encoding", "chunked"):
		f.body = bodyChunked
	case hdr.Has("Content-Length"):
		n, err := parseContentLength(hdr.Values("Content-Length"))
		if err != nil {
			return err
		}
		f.body, f.remaining = bodyLength, n
	case untilCloseOK:
		f.body = bodyUntilClose
	default:
		f.body = bodyNone
	}
	return nil
}

// BeginBlock reserves room for up to requested body bytes and returns how
// many the caller may write into b.Free(). The caller commits them with
// b.SkipWrite and then calls EndBlock.
func (f *Formatter) BeginBlock(b *buffer.Buffer, requested int) (int, error) {
	f.block = 0
	switch f.body {
	case bodyChunked:
		room := b.Writable() - ChunkReserve
		if room <= 0 {
			return 0, status.ErrAgain
		}
		n := min(requested, room)
		b.PutString(strconv.FormatInt(int64(n), 16) + "\r\n")
		f.block = n
	case bodyLength:
		if f.remaining == 0 {
			return 0, ErrBodyTooLong
		}
		room := b.Writable()
		if room == 0 {
			return 0, status.ErrAgain
		}
		f.block = int(min(int64(min(requested, room)), f.remaining))
	case bodyUntilClose:
		room := b.Writable()
		if room == 0 {
			return 0, status.ErrAgain
		}
		f.block = min(requested, room)
	default:
		return 0, ErrBodyNotAllowed
	}
	return f.block, nil
}

// EndBlock closes the block opened by BeginBlock.
func (f *Formatter) EndBlock(b *buffer.Buffer) error {
	switch f.body {
	case bodyChunked:
		b.PutString("\r\n")
	case bodyLength:
		f.remaining -= int64(f.block)
	}
	f.block = 0
	return nil
}

// EndBody writes the terminating chunk for chunked bodies and checks that a
// Content-Length body was fully produced.
func (f *Formatter) EndBody(b *buffer.Buffer) error {
	switch f.body {
	case bodyChunked:
		if !b.PutString("0\r\n\r\n") {
			return status.ErrAgain
		}
	case bodyLength:
		if f.remaining > 0 {
			return ErrBodyTooShort
		}
	}
	return nil
}

// DefaultReason returns the standard reason phrase for common codes.
func DefaultReason(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}

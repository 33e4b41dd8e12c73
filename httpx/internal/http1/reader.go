package http1

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/duderino/everscale-sub002/internal/buffer"
	"github.com/duderino/everscale-sub002/internal/status"
)

type headState uint8

const (
	headStartLine headState = iota
	headFields
	headDone
)

type bodyMode uint8

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

// Parser decodes one message head and body from a buffer that fills a few
// bytes at a time. Every call consumes whole units (a line, a run of body
// bytes) or nothing, so feeding the same bytes in any fragmentation yields
// the same result. ErrAgain means "give me more bytes and call again".
//
// One Parser handles requests or responses for the life of a connection;
// Reset it between messages.
type Parser struct {
	// MaxHeaderBytes bounds the head, start line included. Zero means the
	// buffer capacity is the only limit.
	MaxHeaderBytes int

	head        headState
	headerBytes int

	body      bodyMode
	remaining int64
	chunk     chunkState
	eof       bool

	reusable       bool
	expectContinue bool
	requestMethod  string
}

func (p *Parser) Reset() {
	*p = Parser{MaxHeaderBytes: p.MaxHeaderBytes}
}

// SetRequestMethod tells a response parser what it is answering. Responses
// to HEAD never carry a body.
func (p *Parser) SetRequestMethod(m string) { p.requestMethod = m }

// Reusable reports whether the parsed head allows another message on the
// same connection. Only meaningful once the head is parsed.
func (p *Parser) Reusable() bool { return p.reusable && p.body != bodyUntilClose }

func (p *Parser) ExpectContinue() bool { return p.expectContinue }
func (p *Parser) HasBody() bool        { return p.body != bodyNone }
func (p *Parser) UntilClose() bool     { return p.body == bodyUntilClose }
func (p *Parser) HeadDone() bool       { return p.head == headDone }

// MarkEOF records that the peer closed. A read-until-close body ends there.
func (p *Parser) MarkEOF() { p.eof = true }

// ParseRequest parses a request head into req.
func (p *Parser) ParseRequest(b *buffer.Buffer, req *Request) error {
	err := p.parseHead(b, &req.Header, func(line string) error {
		return parseRequestLine(line, req)
	})
	if err != nil {
		return err
	}
	return p.frame(req.Major, req.Minor, req.Header, false, 0)
}

// ParseResponse parses a response head into resp.
func (p *Parser) ParseResponse(b *buffer.Buffer, resp *Response) error {
	err := p.parseHead(b, &resp.Header, func(line string) error {
		return parseStatusLine(line, resp)
	})
	if err != nil {
		return err
	}
	return p.frame(resp.Major, resp.Minor, resp.Header, true, resp.StatusCode)
}

func (p *Parser) parseHead(b *buffer.Buffer, hdr *Header, startLine func(string) error) error {
	for {
		switch p.head {
		case headStartLine:
			line, err := p.line(b)
			if err != nil {
				return err
			}
			if line == "" {
				continue
			}
			if err := startLine(line); err != nil {
				return err
			}
			p.head = headFields
		case headFields:
			b.ReadMark()
			start := b.ReadPosition()
			line, err := p.line(b)
			if err != nil {
				return err
			}
			if line == "" {
				p.head = headDone
				return nil
			}
			for {
				c, ok := b.Peek()
				if !ok {
					p.rollback(b, start)
					return status.ErrAgain
				}
				if c != ' ' && c != '\t' {
					break
				}
				more, err := p.line(b)
				if err == status.ErrAgain {
					p.rollback(b, start)
				}
				if err != nil {
					return err
				}
				line += " " + strings.TrimSpace(more)
			}
			if err := addField(hdr, line); err != nil {
				return err
			}
		case headDone:
			return nil
		}
	}
}

// rollback un-consumes a field whose continuation lines are incomplete.
func (p *Parser) rollback(b *buffer.Buffer, start int) {
	p.headerBytes -= b.ReadPosition() - start
	b.ReadReset()
}

// line consumes one CRLF or LF terminated line and returns it without the
// terminator.
func (p *Parser) line(b *buffer.Buffer) (string, error) {
	unread := b.Unread()
	i := bytes.IndexByte(unread, '\n')
	if i < 0 {
		if b.ReadPosition() == 0 && !b.IsWritable() {
			return "", ErrHeaderTooLarge
		}
		if p.MaxHeaderBytes > 0 && p.headerBytes+len(unread) > p.MaxHeaderBytes {
			return "", ErrHeaderTooLarge
		}
		return "", status.ErrAgain
	}
	p.headerBytes += i + 1
	if p.MaxHeaderBytes > 0 && p.headerBytes > p.MaxHeaderBytes {
		return "", ErrHeaderTooLarge
	}
	raw := unread[:i]
	if n := len(raw); n > 0 && raw[n-1] == '\r' {
		raw = raw[:n-1]
	}
	line := string(raw)
	b.SkipRead(i + 1)
	return line, nil
}

func addField(hdr *Header, line string) error {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return ErrBadHeaderLine
	}
	name := line[:i]
	if SanitizeHeaderKey(name) == "" {
		return ErrBadHeaderName
	}
	hdr.Add(name, strings.TrimSpace(line[i+1:]))
	return nil
}

func parseRequestLine(line string, req *Request) error {
	method, rest, ok := strings.Cut(line, " ")
	if !ok || SanitizeHeaderKey(method) == "" {
		return ErrBadStartLine
	}
	uri, version, ok := strings.Cut(rest, " ")
	if !ok || uri == "" || strings.ContainsAny(uri, " \t") {
		return ErrBadStartLine
	}
	major, minor, err := parseVersion(version)
	if err != nil {
		return err
	}
	req.Method, req.URI, req.Major, req.Minor = method, uri, major, minor
	return nil
}

func parseStatusLine(line string, resp *Response) error {
	version, rest, _ := strings.Cut(line, " ")
	major, minor, err := parseVersion(version)
	if err != nil {
		return err
	}
	code, reason, _ := strings.Cut(rest, " ")
	if len(code) != 3 {
		return ErrBadStartLine
	}
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 {
		return ErrBadStartLine
	}
	resp.StatusCode, resp.Reason, resp.Major, resp.Minor = n, reason, major, minor
	return nil
}

func parseVersion(v string) (int, int, error) {
	if len(v) != 8 || !strings.HasPrefix(v, "HTTP/") || v[6] != '.' {
		return 0, 0, ErrBadStartLine
	}
	major, minor := int(v[5]-'0'), int(v[7]-'0')
	if major != 1 || minor < 0 || minor > 9 {
		return 0, 0, ErrBadVersion
	}
	return major, minor, nil
}

// frame decides keep-alive and how the body is delimited once the head is
// complete.
func (p *Parser) frame(major, minor int, hdr Header, response bool, code int) error {
	switch {
	case hdr.HasToken("Connection", "close"):
		p.reusable = false
	case minor >= 1:
		p.reusable = true
	default:
		p.reusable = hdr.HasToken("Connection", "keep-alive")
	}
	if !response {
		p.expectContinue = hdr.HasToken("Expect", "100-continue")
	}
	if response && !BodyAllowed(code, p.requestMethod) {
		p.body = bodyNone
		return nil
	}
	te, cl := hdr.Has("Transfer-Encoding"), hdr.Values("Content-Length")
	switch {
	case te:
		if len(cl) > 0 {
			return ErrFramingConflict
		}
		if strings.EqualFold(hdr.lastToken("Transfer-Encoding"), "chunked") {
			p.body = bodyChunked
			p.chunk = chunkSize
			return nil
		}
		if !response {
			return ErrBadTransferCode
		}
		p.body = bodyUntilClose
	case len(cl) > 0:
		n, err := parseContentLength(cl)
		if err != nil {
			return err
		}
		if n == 0 {
			p.body = bodyNone
			return nil
		}
		p.body, p.remaining = bodyLength, n
	case response:
		p.body = bodyUntilClose
	default:
		p.body = bodyNone
	}
	return nil
}

// parseContentLength accepts repeated or comma-joined values only when they
// agree.
func parseContentLength(values []string) (int64, error) {
	n := int64(-1)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			m, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || m < 0 || (n >= 0 && m != n) {
				return 0, ErrBadContentLength
			}
			n = m
		}
	}
	return n, nil
}

// BodyAllowed reports whether a response with this status to a request with
// this method may carry a body.
func BodyAllowed(code int, method string) bool {
	if code < 200 || code == 204 || code == 304 {
		return false
	}
	return method != "HEAD"
}

// ParseBody returns how many body bytes starting at the buffer's read
// position belong to the current chunk or run. Zero with a nil error means
// the body is complete; for chunked bodies the trailer is still pending.
// The bytes are not consumed until ConsumeBody.
func (p *Parser) ParseBody(b *buffer.Buffer) (int, error) {
	switch p.body {
	case bodyLength:
		if p.remaining == 0 {
			return 0, nil
		}
		n := min(int64(b.Readable()), p.remaining)
		if n == 0 {
			return 0, status.ErrAgain
		}
		return int(n), nil
	case bodyChunked:
		return p.parseChunk(b)
	case bodyUntilClose:
		if n := b.Readable(); n > 0 {
			return n, nil
		}
		if p.eof {
			return 0, nil
		}
		return 0, status.ErrAgain
	default:
		return 0, nil
	}
}

// ConsumeBody marks n bytes previously reported by ParseBody as used.
func (p *Parser) ConsumeBody(b *buffer.Buffer, n int) {
	b.SkipRead(n)
	if p.body == bodyLength || p.body == bodyChunked {
		p.remaining -= int64(n)
	}
}

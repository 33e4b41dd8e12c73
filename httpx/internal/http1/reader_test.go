package http1

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duderino/everscale-sub002/internal/buffer"
	"github.com/duderino/everscale-sub002/internal/status"
)

// feed parses raw arriving step bytes at a time through a bufSize buffer and
// returns the head, the body and the sizes of each body run reported.
func feed(t *testing.T, raw string, step, bufSize int, parse func(*Parser, *buffer.Buffer) error) (string, []int, error) {
	t.Helper()
	b := buffer.New(bufSize)
	p := &Parser{MaxHeaderBytes: 8 << 10}
	in := []byte(raw)
	var body []byte
	var runs []int
	headDone := false
	for {
		if len(in) > 0 {
			if !b.IsWritable() {
				b.Compact()
			}
			n := min(step, len(in), b.Writable())
			b.Write(in[:n])
			in = in[n:]
		}
		if !headDone {
			err := parse(p, b)
			if errors.Is(err, status.ErrAgain) {
				if len(in) == 0 {
					return "", nil, io.ErrUnexpectedEOF
				}
				continue
			}
			if err != nil {
				return "", nil, err
			}
			headDone = true
		}
		for {
			n, err := p.ParseBody(b)
			if errors.Is(err, status.ErrAgain) {
				break
			}
			if err != nil {
				return "", nil, err
			}
			if n == 0 {
				err := p.SkipTrailer(b)
				if errors.Is(err, status.ErrAgain) {
					break
				}
				return string(body), runs, err
			}
			body = append(body, b.Unread()[:n]...)
			runs = append(runs, n)
			p.ConsumeBody(b, n)
		}
		if len(in) == 0 {
			return "", nil, io.ErrUnexpectedEOF
		}
	}
}

func readReq(t *testing.T, raw string, step int) (*Request, string, error) {
	t.Helper()
	var req Request
	body, _, err := feed(t, raw, step, 256, func(p *Parser, b *buffer.Buffer) error {
		return p.ParseRequest(b, &req)
	})
	return &req, body, err
}

func TestReader_ContentLengthBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"
	req, body, err := readReq(t, raw, len(raw))
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "x", req.Header.Get("host"))
	assert.Equal(t, "hello", body)
}

func TestReader_ChunkedBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nhey\r\n2\r\n!!\r\n0\r\n\r\n"
	_, body, err := readReq(t, raw, len(raw))
	require.NoError(t, err)
	assert.Equal(t, "hey!!", body)
}

func TestReader_FragmentationDoesNotChangeResult(t *testing.T) {
	raw := "PUT /upload?x=1 HTTP/1.1\r\n" +
		"Host: example\r\n" +
		"X-Folded: first\r\n  second\r\n" +
		"Transfer-Encoding: gzip, chunked\r\n\r\n" +
		"4;ext=1\r\nwiki\r\n5\r\npedia\r\ne\r\n in\r\n\r\nchunks.\r\n0\r\nExpires: never\r\n\r\n"
	want, wantBody, err := readReq(t, raw, len(raw))
	require.NoError(t, err)
	require.Equal(t, "wikipedia in\r\n\r\nchunks.", wantBody)
	require.Equal(t, "first second", want.Header.Get("X-Folded"))

	for step := 1; step < len(raw); step++ {
		got, body, err := readReq(t, raw, step)
		require.NoError(t, err, "step %d", step)
		assert.Equal(t, want, got, "step %d", step)
		assert.Equal(t, wantBody, body, "step %d", step)
	}
}

func TestReader_ChunkRunsFollowChunkSizes(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nabcd\r\n4\r\nefgh\r\n2\r\nij\r\n0\r\n\r\n"
	var resp Response
	body, runs, err := feed(t, raw, len(raw), 256, func(p *Parser, b *buffer.Buffer) error {
		return p.ParseResponse(b, &resp)
	})
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", body)
	assert.Equal(t, []int{4, 4, 2}, runs)
}

func TestReader_CLTEConflict(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\nContent-Length: 5\r\n\r\n"
	_, _, err := readReq(t, raw, len(raw))
	require.ErrorIs(t, err, ErrFramingConflict)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReader_MultipleContentLengthMismatch(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5, 6\r\n\r\n"
	_, _, err := readReq(t, raw, len(raw))
	assert.ErrorIs(t, err, ErrBadContentLength)
}

func TestReader_InvalidHeaderName(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nBad( : v\r\n\r\n"
	_, _, err := readReq(t, raw, len(raw))
	assert.ErrorIs(t, err, ErrBadHeaderName)
}

func TestReader_MaxHeaderBytes(t *testing.T) {
	b := buffer.New(256)
	b.Write([]byte("GET / HTTP/1.1\r\nA: b\r\nC: d\r\nE: f\r\n\r\n"))
	p := &Parser{MaxHeaderBytes: 24}
	var req Request
	assert.ErrorIs(t, p.ParseRequest(b, &req), ErrHeaderTooLarge)
}

func TestReader_HeadThatCannotFitInBuffer(t *testing.T) {
	b := buffer.New(16)
	b.Write([]byte("GET /" + strings.Repeat("a", 11)))
	p := &Parser{}
	var req Request
	assert.ErrorIs(t, p.ParseRequest(b, &req), ErrHeaderTooLarge)
}

func TestReader_BadVersion(t *testing.T) {
	_, _, err := readReq(t, "GET / HTTP/2.0\r\n\r\n", 64)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestReader_KeepAliveRules(t *testing.T) {
	cases := []struct {
		raw      string
		reusable bool
	}{
		{"GET / HTTP/1.1\r\nHost: x\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nConnection: close\r\n\r\n", false},
		{"GET / HTTP/1.0\r\n\r\n", false},
		{"GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", true},
	}
	for _, tc := range cases {
		b := buffer.New(128)
		b.Write([]byte(tc.raw))
		p := &Parser{}
		var req Request
		require.NoError(t, p.ParseRequest(b, &req))
		assert.Equal(t, tc.reusable, p.Reusable(), tc.raw)
		assert.False(t, p.HasBody(), tc.raw)
	}
}

func TestReader_ResponseWithoutFramingReadsUntilClose(t *testing.T) {
	b := buffer.New(128)
	b.Write([]byte("HTTP/1.1 200 OK\r\n\r\nsome bytes"))
	p := &Parser{}
	var resp Response
	require.NoError(t, p.ParseResponse(b, &resp))
	require.True(t, p.UntilClose())
	assert.False(t, p.Reusable())

	n, err := p.ParseBody(b)
	require.NoError(t, err)
	p.ConsumeBody(b, n)
	_, err = p.ParseBody(b)
	require.ErrorIs(t, err, status.ErrAgain)

	p.MarkEOF()
	n, err = p.ParseBody(b)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReader_HeadResponseHasNoBody(t *testing.T) {
	b := buffer.New(128)
	b.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 42\r\n\r\n"))
	p := &Parser{}
	p.SetRequestMethod("HEAD")
	var resp Response
	require.NoError(t, p.ParseResponse(b, &resp))
	assert.False(t, p.HasBody())
	assert.True(t, p.Reusable())
}

func TestReader_ExpectContinue(t *testing.T) {
	b := buffer.New(128)
	b.Write([]byte("POST / HTTP/1.1\r\nExpect: 100-continue\r\nContent-Length: 3\r\n\r\n"))
	p := &Parser{}
	var req Request
	require.NoError(t, p.ParseRequest(b, &req))
	assert.True(t, p.ExpectContinue())
	assert.True(t, p.HasBody())
}

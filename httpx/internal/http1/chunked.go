package http1

import (
	"strconv"
	"strings"

	"github.com/duderino/everscale-sub002/internal/buffer"
	"github.com/duderino/everscale-sub002/internal/status"
)

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

// parseChunk walks chunk-size lines and data CRLFs until it can report a
// run of data bytes. The zero-size chunk parks the parser at the trailer.
// Framing lines share the header byte limit one line at a time.
func (p *Parser) parseChunk(b *buffer.Buffer) (int, error) {
	for {
		switch p.chunk {
		case chunkSize:
			p.headerBytes = 0
			line, err := p.line(b)
			if err != nil {
				return 0, err
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return 0, err
			}
			if size == 0 {
				p.chunk = chunkTrailer
				p.headerBytes = 0
				return 0, nil
			}
			p.remaining = size
			p.chunk = chunkData
		case chunkData:
			if p.remaining == 0 {
				p.chunk = chunkDataEnd
				continue
			}
			n := min(int64(b.Readable()), p.remaining)
			if n == 0 {
				return 0, status.ErrAgain
			}
			return int(n), nil
		case chunkDataEnd:
			p.headerBytes = 0
			line, err := p.line(b)
			if err != nil {
				return 0, err
			}
			if line != "" {
				return 0, ErrBadChunk
			}
			p.chunk = chunkSize
		default:
			return 0, nil
		}
	}
}

// parseChunkSize reads "<hex>[;ext]" and ignores extensions.
func parseChunkSize(line string) (int64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" || len(line) > 15 {
		return 0, ErrBadChunk
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, ErrBadChunk
	}
	return n, nil
}

// SkipTrailer discards trailer fields after the last chunk. Bodies that are
// not chunked have no trailer and return immediately.
func (p *Parser) SkipTrailer(b *buffer.Buffer) error {
	if p.body != bodyChunked {
		return nil
	}
	for p.chunk == chunkTrailer {
		line, err := p.line(b)
		if err != nil {
			return err
		}
		if line == "" {
			p.chunk = chunkDone
		}
	}
	return nil
}

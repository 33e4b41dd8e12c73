package http1

import (
	"strings"

	"github.com/duderino/everscale-sub002/internal/buffer"
)

const continueLine = "HTTP/1.1 100 Continue\r\n\r\n"

// WriteContinue queues an interim 100 Continue response. It reports false if
// the buffer has no room.
func WriteContinue(b *buffer.Buffer) bool {
	return b.PutString(continueLine)
}

// Interim reports whether a response is a 1xx that a client skips before
// the final response. 101 switches protocols and is final.
func Interim(code int) bool {
	return code >= 100 && code < 200 && code != 101
}

// SanitizeHeaderKey ensures header name is a valid token; returns empty string if invalid.
func SanitizeHeaderKey(k string) string {
	if k == "" {
		return ""
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			continue
		}
		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
			continue
		default:
			return ""
		}
	}
	return k
}

// SanitizeHeaderValue removes CR/LF and control chars except HTAB.
func SanitizeHeaderValue(v string) string {
	if !needsSanitize(v) {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f {
			continue
		}
		if c < 0x20 && c != '\t' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func needsSanitize(v string) bool {
	for i := 0; i < len(v); i++ {
		if c := v[i]; c == 0x7f || (c < 0x20 && c != '\t') {
			return true
		}
	}
	return false
}

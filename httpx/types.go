package httpx

import (
	"strings"

	"github.com/duderino/everscale-sub002/httpx/internal/http1"
)

type (
	// Header keeps fields in wire order. Lookups fold case.
	Header = http1.Header
	Field  = http1.Field
	// Request is a request head. Bodies stream through the socket buffers.
	Request = http1.Request
	// Response is a response head.
	Response = http1.Response
)

// hopByHop lists the fields a proxy never forwards.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes hop-by-hop fields, including any named by
// Connection.
func stripHopByHop(h *Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range splitTokens(v) {
			h.Del(name)
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

func splitTokens(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

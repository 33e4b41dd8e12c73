package httpx

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const (
	traceparentHeader = "Traceparent"
	tracestateHeader  = "Tracestate"
)

// Trace is a W3C trace context: 32 hex digit trace id, 16 hex digit span
// id and 2 hex digit flags.
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Flags        string
}

// NewTrace starts a sampled trace.
func NewTrace() Trace {
	return Trace{TraceID: randomHex(16), SpanID: randomHex(8), Flags: "01"}
}

// ParseTrace reads a traceparent value. Version 00 is the only layout
// understood; later versions are read by the same prefix.
func ParseTrace(v string) (Trace, bool) {
	parts := strings.Split(strings.TrimSpace(v), "-")
	if len(parts) < 4 {
		return Trace{}, false
	}
	ver, tid, sid, fl := parts[0], parts[1], parts[2], parts[3]
	if len(ver) != 2 || ver == "ff" || len(tid) != 32 || len(sid) != 16 || len(fl) != 2 {
		return Trace{}, false
	}
	if !isHex(ver) || !isHex(tid) || !isHex(sid) || !isHex(fl) {
		return Trace{}, false
	}
	tid, sid = strings.ToLower(tid), strings.ToLower(sid)
	if tid == strings.Repeat("0", 32) || sid == strings.Repeat("0", 16) {
		return Trace{}, false
	}
	return Trace{TraceID: tid, SpanID: sid, Flags: strings.ToLower(fl)}, true
}

// Child keeps the trace and flags and opens a new span under t.
func (t Trace) Child() Trace {
	return Trace{TraceID: t.TraceID, SpanID: randomHex(8), ParentSpanID: t.SpanID, Flags: t.Flags}
}

func (t Trace) String() string {
	flags := t.Flags
	if flags == "" {
		flags = "01"
	}
	return "00-" + t.TraceID + "-" + t.SpanID + "-" + flags
}

// propagateTrace rewrites the trace headers of an outbound request so the
// hop shows up as a child span, starting a trace when there is none.
func propagateTrace(h *Header) Trace {
	parent, ok := ParseTrace(h.Get(traceparentHeader))
	var t Trace
	if ok {
		t = parent.Child()
	} else {
		t = NewTrace()
	}
	h.Set(traceparentHeader, t.String())
	ts := NewTraceStateBuilder(h.Get(tracestateHeader))
	if ts.Set("everscale", t.SpanID) {
		h.Set(tracestateHeader, ts.String())
	}
	return t
}

// randomHex returns n random bytes as hex, never all zero.
func randomHex(n int) string {
	b := make([]byte, n)
	for {
		if _, err := rand.Read(b); err == nil && !allZero(b) {
			return hex.EncodeToString(b)
		}
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			continue
		}
		return false
	}
	return true
}

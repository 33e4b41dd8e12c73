package httpx

import "strings"

// maxTraceStateMembers is the W3C limit on tracestate list members.
const maxTraceStateMembers = 32

// TraceStateBuilder edits a W3C tracestate value. Members keep their order,
// most recently set first, and invalid members are dropped on parse.
type TraceStateBuilder struct {
	order []string
	kv    map[string]string
}

// NewTraceStateBuilder parses an existing tracestate value.
func NewTraceStateBuilder(v string) *TraceStateBuilder {
	b := &TraceStateBuilder{kv: make(map[string]string)}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		i := strings.IndexByte(part, '=')
		if i <= 0 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(part[:i]))
		val := strings.TrimSpace(part[i+1:])
		if !validTraceStateKey(k) || !validTraceStateValue(val) {
			continue
		}
		if _, ok := b.kv[k]; ok {
			continue
		}
		b.kv[k] = val
		b.order = append(b.order, k)
	}
	return b
}

// Set moves key to the front with value. It reports false for an invalid
// key or value.
func (b *TraceStateBuilder) Set(key, value string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	v := strings.TrimSpace(value)
	if !validTraceStateKey(k) || !validTraceStateValue(v) {
		return false
	}
	if _, ok := b.kv[k]; ok {
		for i, ek := range b.order {
			if ek == k {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.kv[k] = v
	b.order = append([]string{k}, b.order...)
	if len(b.order) > maxTraceStateMembers {
		for _, dropped := range b.order[maxTraceStateMembers:] {
			delete(b.kv, dropped)
		}
		b.order = b.order[:maxTraceStateMembers]
	}
	return true
}

func (b *TraceStateBuilder) Get(key string) (string, bool) {
	v, ok := b.kv[strings.ToLower(key)]
	return v, ok
}

func (b *TraceStateBuilder) String() string {
	var sb strings.Builder
	for i, k := range b.order {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(b.kv[k])
	}
	return sb.String()
}

// validTraceStateKey accepts key or tenant@vendor in lower-case a-z, 0-9
// and _-*./.
func validTraceStateKey(k string) bool {
	if k == "" {
		return false
	}
	parts := strings.Split(k, "@")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for i := 0; i < len(p); i++ {
			c := p[i]
			if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '*' || c == '/' || c == '.' {
				continue
			}
			return false
		}
	}
	return true
}

// validTraceStateValue rejects controls, commas and '='.
func validTraceStateValue(v string) bool {
	if v == "" {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c < 0x20 || c == 0x7f || c == ',' || c == '=' {
			return false
		}
	}
	return true
}

package http1

import "strings"

// Field is one header line as it appeared on the wire.
type Field struct {
	Name  string
	Value string
}

// Header keeps fields in wire order. Lookups are case-insensitive.
// Order matters to a proxy that forwards what it parsed.
type Header []Field

func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

func (h Header) Values(name string) []string {
	var vv []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vv = append(vv, f.Value)
		}
	}
	return vv
}

func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Set replaces every field named name with a single one, keeping the
// position of the first.
func (h *Header) Set(name, value string) {
	for i, f := range *h {
		if strings.EqualFold(f.Name, name) {
			(*h)[i].Value = value
			h.delFrom(name, i+1)
			return
		}
	}
	h.Add(name, value)
}

func (h *Header) Del(name string) { h.delFrom(name, 0) }

func (h *Header) delFrom(name string, start int) {
	kept := (*h)[:start]
	for _, f := range (*h)[start:] {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	clear((*h)[len(kept):])
	*h = kept
}

// HasToken reports whether any comma-separated element of the named fields
// equals token, ignoring case. Connection, Transfer-Encoding and Expect are
// all lists.
func (h Header) HasToken(name, token string) bool {
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			continue
		}
		for _, t := range strings.Split(f.Value, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// lastToken returns the final list element across every field with name.
func (h Header) lastToken(name string) string {
	var last string
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			continue
		}
		parts := strings.Split(f.Value, ",")
		if t := strings.TrimSpace(parts[len(parts)-1]); t != "" {
			last = t
		}
	}
	return last
}

func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return append(Header(nil), h...)
}

func (h *Header) Reset() {
	clear(*h)
	*h = (*h)[:0]
}

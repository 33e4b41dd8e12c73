package httpx

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/duderino/everscale-sub002/internal/socket"
)

// Router picks the destination for a proxied request. ErrNoRoute becomes a
// 404 and ErrForbidden a 403; any other error is answered with 500.
type Router interface {
	Route(s ServerStream) (socket.Address, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(s ServerStream) (socket.Address, error)

func (f RouterFunc) Route(s ServerStream) (socket.Address, error) { return f(s) }

type route struct {
	prefix string
	dest   socket.Address
	deny   bool
}

// StaticRouter matches the request path against fixed prefixes. The
// longest matching prefix wins.
type StaticRouter struct {
	mu     sync.RWMutex
	routes []route
}

// Add routes paths under prefix to dest, an "ip:port" address.
func (r *StaticRouter) Add(prefix, dest string) error {
	addr, err := socket.ParseAddress(dest)
	if err != nil {
		return fmt.Errorf("httpx: route %q: %w", prefix, err)
	}
	r.insert(route{prefix: normalizePrefix(prefix), dest: addr})
	return nil
}

// Deny answers paths under prefix with 403.
func (r *StaticRouter) Deny(prefix string) {
	r.insert(route{prefix: normalizePrefix(prefix), deny: true})
}

func (r *StaticRouter) insert(rt route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.routes {
		if r.routes[i].prefix == rt.prefix {
			r.routes[i] = rt
			return
		}
	}
	r.routes = append(r.routes, rt)
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
}

func (r *StaticRouter) Route(s ServerStream) (socket.Address, error) {
	return r.Match(requestPath(s.Request().URI))
}

// Match returns the destination for path.
func (r *StaticRouter) Match(path string) (socket.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if !strings.HasPrefix(path, rt.prefix) {
			continue
		}
		if rt.deny {
			return socket.Address{}, ErrForbidden
		}
		return rt.dest, nil
	}
	return socket.Address{}, ErrNoRoute
}

func normalizePrefix(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// requestPath strips the scheme and authority of an absolute-form target
// and the query of any target.
func requestPath(uri string) string {
	if i := strings.Index(uri, "://"); i >= 0 {
		rest := uri[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			uri = rest[j:]
		} else {
			uri = "/"
		}
	}
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	if uri == "" {
		return "/"
	}
	return uri
}

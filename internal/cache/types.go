package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Field is a single header line of a stored response.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered header list. The order is kept as-is when an entry is
// persisted so a cache file round-trips byte for byte.
type Header []Field

// HeaderFromHTTP converts a net/http header map into an ordered list.
// net/http does not keep wire order, so names are sorted to make the result
// deterministic.
func HeaderFromHTTP(h http.Header) Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(Header, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, Field{Name: name, Value: v})
		}
	}
	return out
}

// HTTP returns the header as a net/http header map.
func (h Header) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		out.Add(f.Name, f.Value)
	}
	return out
}

// Get returns the first value for name (case-insensitive).
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name (case-insensitive), in order.
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set replaces all values of name with a single one, keeping the position of
// the first occurrence. Missing names are appended.
func (h Header) Set(name, value string) Header {
	out := h[:0:0]
	replaced := false
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
			continue
		}
		if !replaced {
			out = append(out, Field{Name: f.Name, Value: value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, Field{Name: http.CanonicalHeaderKey(name), Value: value})
	}
	return out
}

// Del removes every value of name.
func (h Header) Del(name string) Header {
	out := h[:0:0]
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a copy that does not share backing storage with h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}

func (h Header) size() int {
	n := 0
	for _, f := range h {
		n += len(f.Name) + len(f.Value) + 4
	}
	return n
}

// Entry is a cached response.
type Entry struct {
	// Content is nil when only the header block is cached.
	Content []byte
	Header  Header

	// Expires is zero when no expiration is known; such entries must be
	// revalidated unless a default offset applies.
	Expires time.Time

	// RequestTime is when the network request that produced the entry was
	// issued.
	RequestTime time.Time

	// Alt is an optional parsed representation cached next to the raw bytes.
	Alt     any
	AltSize int
	// AltBytes holds the persisted encoding of the alternate object when the
	// entry was read back from the persistent tier. Alt is nil then.
	AltBytes []byte
}

// ApproxSize is the cost of the entry for transient-tier accounting.
func (e *Entry) ApproxSize() int {
	n := len(e.Content)
	if e.Alt != nil && e.AltSize > n {
		n = e.AltSize
	}
	if e.Alt == nil {
		n += len(e.AltBytes)
	}
	return n + e.Header.size()
}

// EffectiveExpiration is the entry's expiration, or RequestTime+offset when no
// explicit expiration is known and offset is positive. A zero result means the
// entry must be revalidated.
func (e *Entry) EffectiveExpiration(offset time.Duration) time.Time {
	if !e.Expires.IsZero() {
		return e.Expires
	}
	if offset > 0 && !e.RequestTime.IsZero() {
		return e.RequestTime.Add(offset)
	}
	return time.Time{}
}

// Fresh reports whether the entry can be served at now without revalidation.
func (e *Entry) Fresh(now time.Time, offset time.Duration) bool {
	exp := e.EffectiveExpiration(offset)
	return !exp.IsZero() && now.Before(exp)
}

// Key normalizes a URL into a cache key: lower-cased scheme and host, no
// fragment, no user info.
func Key(u *url.URL) string {
	k := *u
	k.Scheme = strings.ToLower(k.Scheme)
	k.Host = strings.ToLower(k.Host)
	k.Fragment = ""
	k.RawFragment = ""
	k.User = nil
	if k.Path == "" && k.Opaque == "" && k.Host != "" {
		k.Path = "/"
	}
	return k.String()
}

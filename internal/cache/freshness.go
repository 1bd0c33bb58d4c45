package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CacheControl holds the directives of one or more Cache-Control fields.
// Directive names are compared case-insensitively.
type CacheControl struct {
	directives map[string]string
}

// ParseCacheControl parses Cache-Control field values. When a directive is
// repeated the first occurrence wins.
func ParseCacheControl(values []string) CacheControl {
	m := make(map[string]string)
	for _, header := range values {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			name := strings.ToLower(strings.TrimSpace(parts[0]))
			var arg string
			if len(parts) > 1 {
				arg = strings.Trim(strings.TrimSpace(parts[1]), "\"")
			}
			if _, seen := m[name]; !seen {
				m[name] = arg
			}
		}
	}
	return CacheControl{m}
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[strings.ToLower(directive)]
	return val, ok
}

func (c CacheControl) Has(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// MaxAge returns the max-age directive. Invalid values are reported as absent.
func (c CacheControl) MaxAge() (time.Duration, bool) {
	val, ok := c.Get("max-age")
	if !ok {
		return 0, false
	}
	seconds, err := strconv.ParseUint(val, 10, 31)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// Cacheable reports whether a response with header h may be stored.
func Cacheable(h Header) bool {
	cc := ParseCacheControl(h.Values("Cache-Control"))
	return !cc.Has("no-cache") && !cc.Has("no-store")
}

// Expiration computes the expiration of a response from its header. Rules in
// priority order: must-revalidate expires at now, max-age=N at base+N,
// otherwise the Expires date. A zero result means no expiration is known.
func Expiration(h Header, base, now time.Time) time.Time {
	cc := ParseCacheControl(h.Values("Cache-Control"))
	if cc.Has("must-revalidate") {
		return now
	}
	if maxAge, ok := cc.MaxAge(); ok {
		return base.Add(maxAge)
	}
	if expires := h.Get("Expires"); expires != "" {
		if t, err := HTTPDate(expires); err == nil {
			return t
		}
	}
	return time.Time{}
}

const imfDateLayout = "Mon, 02 Jan 2006 15:04:05 MST"

// HTTPDate parses an HTTP-date. The preferred IMF-fixdate is tried first, then
// the obsolete RFC 850 and asctime forms. Zones other than GMT are rejected.
func HTTPDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	date, err := time.Parse(imfDateLayout, s)
	if err == nil {
		if name, _ := date.Zone(); name != "GMT" && name != "UTC" {
			return time.Time{}, fmt.Errorf("date %q is not in GMT", s)
		}
		return date.UTC(), nil
	}
	if date, err := time.Parse(time.RFC850, s); err == nil {
		return date.UTC(), nil
	}
	if date, err := time.Parse(time.ANSIC, s); err == nil {
		return date.UTC(), nil
	}
	return time.Time{}, err
}

package cookie

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCookieDate is returned when none of the accepted Expires formats
	// match. The cookie is dropped.
	ErrCookieDate = errors.New("unparseable cookie date")
	// ErrBadDomain is returned when a Domain attribute is neither the setting
	// host nor one of its registrable parents.
	ErrBadDomain = errors.New("cookie domain not allowed for host")
	ErrMalformed = errors.New("malformed cookie")
)

// Record is a stored cookie.
type Record struct {
	Name  string
	Value string
	// Domain never carries a leading dot.
	Domain string
	Path   string
	// Expires is zero for session cookies, which are never persisted.
	Expires  time.Time
	Secure   bool
	HttpOnly bool
	// HostOnly cookies were set without a Domain attribute and match only
	// their exact host.
	HostOnly bool
	Created  time.Time
}

func (r Record) Session() bool {
	return r.Expires.IsZero()
}

func (r Record) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// Expires formats, tried in order.
var dateLayouts = []string{
	time.RFC1123,                    // Mon, 02 Jan 2006 15:04:05 MST
	"Mon, 02-Jan-2006 15:04:05 MST", // Netscape
	time.RFC850,                     // Monday, 02-Jan-06 15:04:05 MST
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Wrapf(ErrCookieDate, "%q", s)
}

// Parse turns a Set-Cookie shaped string into a Record for host. The first
// token is name=value; attribute names are matched case-insensitively.
// Max-Age takes precedence over Expires. A Max-Age of zero or less yields a
// record that is already expired.
func Parse(host, spec string, now time.Time) (Record, error) {
	host = canonicalHost(host)
	tokens := strings.Split(spec, ";")
	name, value, ok := strings.Cut(tokens[0], "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return Record{}, errors.Wrapf(ErrMalformed, "%q", spec)
	}
	r := Record{
		Name:  name,
		Value: strings.TrimSpace(value),
	}

	var (
		domain    string
		maxAge    time.Duration
		hasMaxAge bool
		expires   string
	)
	for _, tok := range tokens[1:] {
		attr, val, _ := strings.Cut(tok, "=")
		attr = strings.ToLower(strings.TrimSpace(attr))
		val = strings.TrimSpace(val)
		switch attr {
		case "max-age":
			secs, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				continue
			}
			maxAge = time.Duration(secs) * time.Second
			hasMaxAge = true
		case "expires":
			expires = val
		case "path":
			r.Path = val
		case "domain":
			domain = val
		case "secure":
			r.Secure = true
		case "httponly":
			r.HttpOnly = true
		}
	}

	switch {
	case hasMaxAge && maxAge <= 0:
		r.Expires = time.Unix(0, 0).UTC()
	case hasMaxAge:
		r.Expires = now.Add(maxAge)
	case expires != "":
		exp, err := parseDate(expires)
		if err != nil {
			return Record{}, err
		}
		r.Expires = exp
	}

	if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
		r.Path = "/"
	}

	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	if domain == "" {
		r.Domain = host
		r.HostOnly = true
	} else {
		if !validDomain(domain, host) {
			return Record{}, errors.Wrapf(ErrBadDomain, "domain %q from host %q", domain, host)
		}
		r.Domain = domain
	}
	return r, nil
}

// pathMatch implements the RFC 6265 path-match rule.
func pathMatch(cookiePath, reqPath string) bool {
	if reqPath == "" {
		reqPath = "/"
	}
	if cookiePath == reqPath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

package cookie

import (
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// canonicalHost lower-cases host and strips a port and a trailing dot.
func canonicalHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func isIP(host string) bool {
	return net.ParseIP(host) != nil
}

// validDomain reports whether a cookie for domain may be set by host: domain
// must be host itself or a parent of it that is not a public suffix.
func validDomain(domain, host string) bool {
	if domain == "" {
		return false
	}
	if domain == host {
		return true
	}
	if isIP(host) || !strings.HasSuffix(host, "."+domain) {
		return false
	}
	if !strings.Contains(domain, ".") {
		return false
	}
	suffix, _ := publicsuffix.PublicSuffix(domain)
	return suffix != domain
}

// possibleDomains lists the domains whose cookies can match a request to
// host: host itself followed by each parent accepted by validDomain.
func possibleDomains(host string) []string {
	host = canonicalHost(host)
	out := []string{host}
	if isIP(host) {
		return out
	}
	for rest := host; ; {
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			break
		}
		rest = rest[i+1:]
		if !validDomain(rest, host) {
			break
		}
		out = append(out, rest)
	}
	return out
}

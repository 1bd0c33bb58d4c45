package netload

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
)

// Principal identifies on whose behalf a request runs.
type Principal struct {
	Origin  string
	Trusted bool
}

// SystemPrincipal is the principal of the process itself. It is assumed for
// contexts that carry no principal.
var SystemPrincipal = Principal{Origin: "system", Trusted: true}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return SystemPrincipal
}

// Sandbox gates what a request may do on behalf of its principal.
type Sandbox interface {
	// Elevate runs fn with a trusted principal. The pipeline calls it around
	// cache and cookie writes only.
	Elevate(ctx context.Context, fn func(ctx context.Context))
	// AllowHeader reports whether the principal of ctx may send the custom
	// request header name.
	AllowHeader(ctx context.Context, name string) bool
	// AllowPath reports whether the principal of ctx may read or write the
	// local file path.
	AllowPath(ctx context.Context, path string) bool
}

// DefaultSandbox lets trusted principals do anything below Root (anywhere
// when Root is empty). Restricted principals may only send safelisted and
// X- headers and never touch the filesystem.
type DefaultSandbox struct {
	Root string
}

func (s DefaultSandbox) Elevate(ctx context.Context, fn func(ctx context.Context)) {
	fn(WithPrincipal(ctx, SystemPrincipal))
}

var safelistedHeaders = map[string]bool{
	"Accept":           true,
	"Accept-Language":  true,
	"Content-Language": true,
	"Content-Type":     true,
}

func (s DefaultSandbox) AllowHeader(ctx context.Context, name string) bool {
	if restrictedHeader(name) {
		return false
	}
	if PrincipalFrom(ctx).Trusted {
		return true
	}
	name = http.CanonicalHeaderKey(name)
	return safelistedHeaders[name] || strings.HasPrefix(name, "X-")
}

func (s DefaultSandbox) AllowPath(ctx context.Context, path string) bool {
	if !PrincipalFrom(ctx).Trusted || path == "" {
		return false
	}
	if s.Root == "" {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Headers the pipeline owns or that no caller may set.
var forbiddenHeaders = map[string]bool{
	"Accept-Charset":                 true,
	"Accept-Encoding":                true,
	"Access-Control-Request-Headers": true,
	"Access-Control-Request-Method":  true,
	"Connection":                     true,
	"Content-Length":                 true,
	"Cookie":                         true,
	"Cookie2":                        true,
	"Date":                           true,
	"Dnt":                            true,
	"Expect":                         true,
	"Host":                           true,
	"If-Modified-Since":              true,
	"If-None-Match":                  true,
	"Keep-Alive":                     true,
	"Origin":                         true,
	"Referer":                        true,
	"Te":                             true,
	"Trailer":                        true,
	"Transfer-Encoding":              true,
	"Upgrade":                        true,
	"User-Agent":                     true,
	"Via":                            true,
}

func restrictedHeader(name string) bool {
	name = http.CanonicalHeaderKey(name)
	return forbiddenHeaders[name] || strings.HasPrefix(name, "Proxy-") || strings.HasPrefix(name, "Sec-")
}

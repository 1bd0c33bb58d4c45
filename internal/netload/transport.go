package netload

import (
	"net/http"
	"net/url"
)

// NewTransport returns the default transport: net/http with per-host proxy
// rules from cfg and file: URLs served from the local filesystem.
func NewTransport(cfg *Config) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = func(r *http.Request) (*url.URL, error) {
		return cfg.proxyFor(r.URL.Hostname()), nil
	}
	if cfg.Network.idleTimeoutDur > 0 {
		t.IdleConnTimeout = cfg.Network.idleTimeoutDur
	}
	t.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))
	return t
}

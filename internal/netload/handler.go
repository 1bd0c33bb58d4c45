package netload

import (
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

type Phase int

const (
	PhaseConnect Phase = iota
	PhaseSend
	PhaseContentLoad
	// PhaseDone is reported exactly once per run, whatever the outcome.
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseConnect:
		return "connect"
	case PhaseSend:
		return "send"
	case PhaseContentLoad:
		return "content-load"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// Handler is implemented by callers of the pipeline. Handlers are used as
// map keys for cancellation and must be comparable; pointer receivers are
// the norm.
type Handler interface {
	LatestURL() *url.URL
	LatestMethod() string
	Request() *Request
	Class() Class
	// ProcessResponse consumes a delivered response. The body must not be
	// used after it returns.
	ProcessResponse(resp *Response) error
	// HandleError reports whether the handler dealt with err. resp is nil
	// when no response was received.
	HandleError(resp *Response, err error) bool
	// HandleProgress is called with total -1 when the size is unknown.
	HandleProgress(phase Phase, u *url.URL, method string, done, total int64)
	IsCancelled() bool
}

// Redirector is implemented by handlers that want to follow the URL and
// method of each redirect hop.
type Redirector interface {
	Redirected(u *url.URL, method string)
}

// Response is a delivered response, either from the network or the cache.
type Response struct {
	URL        *url.URL
	Method     string
	StatusCode int
	Header     http.Header
	Body       io.Reader
	// ContentLength is -1 when unknown.
	ContentLength int64
	FromCache     bool
	// Revalidated is set when the server confirmed a cached entry with 304.
	Revalidated bool

	charset  string
	alt      any
	altSize  int
	altBytes []byte
}

// Charset is the declared charset of the response, or the fallback for its
// URL scheme.
func (r *Response) Charset() string {
	return r.charset
}

// CachedAlt returns the alternate object stored with the cache entry, if
// the response was served from the transient tier and one was set.
func (r *Response) CachedAlt() (any, bool) {
	return r.alt, r.alt != nil
}

// StoredAlt returns the persisted encoding of the alternate object when the
// entry was read back from disk and no live object is attached. Handlers
// decode it and may attach the result with SetAlt.
func (r *Response) StoredAlt() ([]byte, bool) {
	return r.altBytes, r.alt == nil && r.altBytes != nil
}

// SetAlt attaches a parsed representation of the body to be cached next to
// it, at the given approximate cost. If v implements
// encoding.BinaryMarshaler it is persisted too.
func (r *Response) SetAlt(v any, size int) {
	r.alt = v
	r.altSize = size
}

func responseCharset(contentType string, u *url.URL, localFileCharset string) string {
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if cs := strings.TrimSpace(params["charset"]); cs != "" {
				return strings.ToLower(cs)
			}
		}
	}
	if u != nil && strings.EqualFold(u.Scheme, "file") {
		return localFileCharset
	}
	return "iso-8859-1"
}

// BasicHandler adapts a Request and a set of callbacks to Handler. Nil
// callbacks are skipped; a nil OnError leaves every error unhandled.
type BasicHandler struct {
	Req        *Request
	OnResponse func(resp *Response) error
	OnError    func(resp *Response, err error) bool
	OnProgress func(phase Phase, u *url.URL, method string, done, total int64)

	cancelled atomic.Bool

	mu           sync.Mutex
	latestURL    *url.URL
	latestMethod string
}

func NewHandler(req *Request) *BasicHandler {
	return &BasicHandler{
		Req:          req,
		latestURL:    req.URL,
		latestMethod: req.method(),
	}
}

func (h *BasicHandler) LatestURL() *url.URL {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latestURL
}

func (h *BasicHandler) LatestMethod() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latestMethod
}

func (h *BasicHandler) Redirected(u *url.URL, method string) {
	h.mu.Lock()
	h.latestURL, h.latestMethod = u, method
	h.mu.Unlock()
}

func (h *BasicHandler) Request() *Request { return h.Req }
func (h *BasicHandler) Class() Class      { return h.Req.Class }

func (h *BasicHandler) ProcessResponse(resp *Response) error {
	if h.OnResponse == nil {
		return nil
	}
	return h.OnResponse(resp)
}

func (h *BasicHandler) HandleError(resp *Response, err error) bool {
	if h.OnError == nil {
		return false
	}
	return h.OnError(resp, err)
}

func (h *BasicHandler) HandleProgress(phase Phase, u *url.URL, method string, done, total int64) {
	if h.OnProgress != nil {
		h.OnProgress(phase, u, method, done, total)
	}
}

func (h *BasicHandler) IsCancelled() bool { return h.cancelled.Load() }

// Cancel marks the handler cancelled. The pipeline notices before its next
// blocking step; use Scheduler.Cancel to also disconnect a running request.
func (h *BasicHandler) Cancel() { h.cancelled.Store(true) }

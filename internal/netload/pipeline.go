package netload

import (
	"bytes"
	"context"
	"encoding"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/UprootLabs/gngrPreHistoric-sub000/internal/cache"
	"github.com/UprootLabs/gngrPreHistoric-sub000/internal/cookie"
)

// maxRedirects is the longest redirect chain that is followed.
const maxRedirects = 5

type PipelineConfig struct {
	// Transport performs the byte transfer. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper
	// Cache and Jar are optional.
	Cache   *cache.Store
	Jar     *cookie.Jar
	Sandbox Sandbox

	UserAgent string
	// Timeout bounds one attempt including the body read. Zero means none.
	Timeout time.Duration
	// DefaultExpiration applies to cached entries without an explicit
	// expiration. Zero disables it.
	DefaultExpiration time.Duration
	ChunkedPost       bool
	// LocalFileCharset is the fallback charset of file: URLs.
	LocalFileCharset string
}

// Pipeline runs requests: cache lookup, freshness, transfer, revalidation,
// redirects and delivery. It is safe for concurrent use.
type Pipeline struct {
	cfg    PipelineConfig
	client *http.Client
	log    zerolog.Logger
	stats  *statsCollector
	now    func() time.Time

	mu      sync.Mutex
	pending map[Handler]*pendingRequest
}

func NewPipeline(cfg PipelineConfig, log zerolog.Logger) *Pipeline {
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = DefaultSandbox{}
	}
	if cfg.LocalFileCharset == "" {
		cfg.LocalFileCharset = "utf-8"
	}
	return &Pipeline{
		cfg: cfg,
		client: &http.Client{
			Transport: cfg.Transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:     log.With().Str("component", "pipeline").Logger(),
		now:     time.Now,
		pending: map[Handler]*pendingRequest{},
	}
}

// SetClock replaces the time source used for freshness decisions.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// pendingRequest is the live state of a run, kept for cancellation.
type pendingRequest struct {
	cancel  context.CancelFunc
	aborted atomic.Bool

	mu   sync.Mutex
	body io.Closer
}

func (pr *pendingRequest) abort() {
	if pr.aborted.Swap(true) {
		return
	}
	pr.cancel()
	pr.mu.Lock()
	body := pr.body
	pr.mu.Unlock()
	if body != nil {
		body.Close()
	}
}

func (pr *pendingRequest) setBody(body io.Closer) {
	pr.mu.Lock()
	pr.body = body
	pr.mu.Unlock()
	if pr.aborted.Load() {
		body.Close()
	}
}

func (p *Pipeline) register(h Handler, pr *pendingRequest) {
	p.mu.Lock()
	p.pending[h] = pr
	p.mu.Unlock()
}

func (p *Pipeline) unregister(h Handler, pr *pendingRequest) {
	p.mu.Lock()
	if p.pending[h] == pr {
		delete(p.pending, h)
	}
	p.mu.Unlock()
}

// Abort cancels the running request of h. It reports false when h is not
// running.
func (p *Pipeline) Abort(h Handler) bool {
	p.mu.Lock()
	pr := p.pending[h]
	p.mu.Unlock()
	if pr == nil {
		return false
	}
	pr.abort()
	return true
}

func (p *Pipeline) AbortAll() {
	p.mu.Lock()
	prs := make([]*pendingRequest, 0, len(p.pending))
	for _, pr := range p.pending {
		prs = append(prs, pr)
	}
	p.mu.Unlock()
	for _, pr := range prs {
		pr.abort()
	}
}

// InFlight returns the number of running requests.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

type runState struct {
	h    Handler
	pr   *pendingRequest
	resp *Response

	url         *url.URL
	method      string
	done, total int64
}

func (st *runState) progress(phase Phase, done, total int64) {
	st.done, st.total = done, total
	st.h.HandleProgress(phase, st.url, st.method, done, total)
}

func (st *runState) cancelled(ctx context.Context) bool {
	return st.pr.aborted.Load() || st.h.IsCancelled() || errors.Is(ctx.Err(), context.Canceled)
}

// Run executes the request of h on the calling goroutine, following up to
// maxRedirects redirects. Errors go to h.HandleError; PhaseDone is reported
// exactly once when Run returns.
func (p *Pipeline) Run(ctx context.Context, h Handler) {
	ctx, cancel := context.WithCancel(ctx)
	pr := &pendingRequest{cancel: cancel}
	p.register(h, pr)

	st := &runState{h: h, pr: pr, url: h.LatestURL(), method: h.LatestMethod(), total: -1}
	defer func() {
		if r := recover(); r != nil {
			p.fail(st, errors.Errorf("panic in request pipeline: %v", r))
		}
		cancel()
		p.unregister(h, pr)
		p.safely(func() {
			h.HandleProgress(PhaseDone, st.url, st.method, st.done, st.total)
		})
	}()

	if err := p.run(ctx, st); err != nil {
		p.fail(st, err)
	}
}

func (p *Pipeline) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("Handler callback panicked")
		}
	}()
	fn()
}

func (p *Pipeline) fail(st *runState, err error) {
	log := p.log.With().Str("url", urlString(st.url)).Str("method", st.method).Logger()
	if errors.Is(err, ErrCancelled) || (st.pr.aborted.Load() && !errors.Is(err, ErrRedirectLoop)) {
		log.Info().Msg("Request cancelled")
		return
	}
	p.safely(func() {
		if !st.h.HandleError(st.resp, err) {
			log.Error().Stack().Err(err).Msg("Unhandled request error")
		}
	})
}

func (p *Pipeline) run(ctx context.Context, st *runState) error {
	req := st.h.Request()
	if req == nil {
		return errors.Wrap(ErrMalformedTarget, "handler has no request")
	}
	for hop := 0; ; hop++ {
		if hop > maxRedirects {
			return errors.Wrapf(ErrRedirectLoop, "more than %d redirects", maxRedirects)
		}
		next, err := p.attempt(ctx, st, req)
		if err != nil || next == nil {
			return err
		}
		req = next
		if r, ok := st.h.(Redirector); ok {
			r.Redirected(req.URL, req.method())
		}
	}
}

// attempt performs one request. It returns the follow-up request when the
// response was a redirect.
func (p *Pipeline) attempt(ctx context.Context, st *runState, req *Request) (*Request, error) {
	if st.cancelled(ctx) {
		return nil, ErrCancelled
	}
	target, err := req.TargetURL()
	if err != nil {
		return nil, err
	}
	method := req.method()
	st.url, st.method = target, method
	class := st.h.Class()
	log := p.log.With().Str("method", method).Stringer("url", target).Logger()

	key := cache.Key(target)
	useCache := p.cfg.Cache != nil && method == http.MethodGet && isHTTP(target)
	var entry *cache.Entry
	if useCache && class.readsCache() {
		entry, _ = p.cfg.Cache.Lookup(key)
		if entry != nil && p.serveFromCache(entry, class) {
			log.Debug().Msg("Serving from cache")
			return nil, p.deliverCached(ctx, st, key, entry, outcomeHit)
		}
	}

	if strings.EqualFold(target.Scheme, "file") && !p.cfg.Sandbox.AllowPath(ctx, target.Path) {
		return nil, errors.Wrapf(ErrPathDenied, "%q", target.Path)
	}

	hreq, err := p.newHTTPRequest(ctx, req, target, method, entry)
	if err != nil {
		return nil, err
	}
	if st.cancelled(ctx) {
		if hreq.Body != nil {
			hreq.Body.Close()
		}
		return nil, ErrCancelled
	}
	st.progress(PhaseConnect, 0, -1)
	if hreq.Body != nil {
		st.progress(PhaseSend, 0, hreq.ContentLength)
	}
	requestTime := p.now()
	resp, err := p.client.Do(hreq)
	if err != nil {
		if st.cancelled(ctx) {
			return nil, ErrCancelled
		}
		return nil, errors.Wrapf(err, "%s %s", method, target.Redacted())
	}
	st.pr.setBody(resp.Body)
	defer resp.Body.Close()
	log.Debug().Int("status", resp.StatusCode).Msg("Response received")

	switch {
	case resp.StatusCode == http.StatusNotModified && entry != nil:
		resp.Body.Close()
		p.saveCookies(ctx, target, resp.Header)
		refreshed := &cache.Entry{
			Content:     entry.Content,
			Header:      mergeHeader(entry.Header, resp.Header),
			RequestTime: requestTime,
			Alt:         entry.Alt,
			AltSize:     entry.AltSize,
			AltBytes:    entry.AltBytes,
		}
		refreshed.Expires = cache.Expiration(refreshed.Header, requestTime, p.now())
		return nil, p.deliverCached(ctx, st, key, refreshed, outcomeRevalidated)

	case isRedirect(resp.StatusCode) && resp.Header.Get("Location") != "":
		loc, err := target.Parse(resp.Header.Get("Location"))
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedTarget, "redirect location %q", resp.Header.Get("Location"))
		}
		if isHTTP(target) && !isHTTP(loc) {
			return nil, errors.Wrapf(ErrUnsafeRedirect, "%s to %s", target.Redacted(), loc.Redacted())
		}
		p.saveCookies(ctx, target, resp.Header)
		log.Debug().Int("status", resp.StatusCode).Stringer("location", loc).Msg("Following redirect")
		return req.Redirect(loc, resp.StatusCode), nil
	}

	cacheable := false
	if resp.StatusCode == http.StatusOK && useCache && class.writesCache() {
		if cache.Cacheable(cache.HeaderFromHTTP(resp.Header)) {
			cacheable = true
		} else {
			p.cfg.Sandbox.Elevate(ctx, func(context.Context) {
				p.cfg.Cache.Remove(key)
			})
		}
	}
	return nil, p.deliverNetwork(ctx, st, key, resp, requestTime, cacheable)
}

func (p *Pipeline) serveFromCache(e *cache.Entry, class Class) bool {
	switch {
	case class == ClassHistory:
		return true
	case class.alwaysRevalidates():
		return false
	}
	return e.Fresh(p.now(), p.cfg.DefaultExpiration)
}

func (p *Pipeline) newHTTPRequest(ctx context.Context, req *Request, target *url.URL, method string, entry *cache.Entry) (*http.Request, error) {
	var body *requestBody
	if method != http.MethodGet && method != http.MethodHead && len(req.Params) > 0 {
		var err error
		body, err = encodeBody(ctx, req, p.cfg.Sandbox, p.cfg.ChunkedPost)
		if err != nil {
			return nil, err
		}
	}

	wire := *target
	wire.Fragment, wire.RawFragment = "", ""
	var r io.Reader
	if body != nil {
		r = body.r
	}
	hreq, err := http.NewRequestWithContext(ctx, method, wire.String(), r)
	if err != nil {
		if body != nil {
			body.r.Close()
		}
		return nil, errors.Wrapf(ErrMalformedTarget, "%v", err)
	}

	h := hreq.Header
	for name, values := range req.Header {
		if restrictedHeader(name) || !p.cfg.Sandbox.AllowHeader(ctx, name) {
			p.log.Debug().Str("header", name).Msg("Dropping custom header")
			continue
		}
		for _, v := range values {
			h.Add(name, v)
		}
	}
	if p.cfg.UserAgent != "" {
		h.Set("User-Agent", p.cfg.UserAgent)
	}
	if req.Referrer != "" {
		h.Set("Referer", req.Referrer)
	}
	if body != nil {
		hreq.ContentLength = body.length
		h.Set("Content-Type", body.contentType)
	}
	if entry != nil {
		if date := entry.Header.Get("Date"); date != "" {
			h.Set("If-Modified-Since", date)
		}
		if etag := entry.Header.Get("ETag"); etag != "" {
			h.Set("If-None-Match", etag)
		}
	}
	if p.cfg.Jar != nil && isHTTP(target) {
		if c := p.cfg.Jar.CookieHeader(target); c != "" {
			h.Set("Cookie", c)
		}
	}
	return hreq, nil
}

func (p *Pipeline) deliverCached(ctx context.Context, st *runState, key string, e *cache.Entry, o outcome) error {
	header := e.Header.HTTP()
	out := &Response{
		URL:           st.url,
		Method:        st.method,
		StatusCode:    http.StatusOK,
		Header:        header,
		ContentLength: int64(len(e.Content)),
		FromCache:     true,
		Revalidated:   o == outcomeRevalidated,
		charset:       responseCharset(header.Get("Content-Type"), st.url, p.cfg.LocalFileCharset),
		alt:           e.Alt,
		altSize:       e.AltSize,
		altBytes:      e.AltBytes,
	}
	out.Body = &progressReader{r: bytes.NewReader(e.Content), st: st, total: out.ContentLength}
	altBefore := out.altSize
	if err := p.process(ctx, st, out); err != nil {
		return err
	}
	p.stats.Observe(o, len(e.Content))

	switch {
	case o == outcomeRevalidated:
		// the request timestamp changed, so the file is rewritten too
		e.Alt, e.AltSize = out.alt, out.altSize
		p.write(ctx, key, e, true)
	case out.alt != nil && (e.Alt == nil || out.altSize != altBefore):
		updated := *e
		updated.Alt, updated.AltSize = out.alt, out.altSize
		p.write(ctx, key, &updated, false)
	}
	return nil
}

func (p *Pipeline) deliverNetwork(ctx context.Context, st *runState, key string, resp *http.Response, requestTime time.Time, cacheable bool) error {
	out := &Response{
		URL:           st.url,
		Method:        st.method,
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		charset:       responseCharset(resp.Header.Get("Content-Type"), st.url, p.cfg.LocalFileCharset),
	}
	var body io.Reader = resp.Body
	var buf *bytes.Buffer
	if cacheable {
		buf = &bytes.Buffer{}
		body = io.TeeReader(body, buf)
	}
	counted := &progressReader{r: body, st: st, total: resp.ContentLength}
	out.Body = counted

	err := p.process(ctx, st, out)
	p.saveCookies(ctx, st.url, resp.Header)
	if err != nil {
		return err
	}
	if !cacheable {
		p.stats.Observe(outcomeUncached, int(counted.n))
		return nil
	}

	// the entry must hold the complete body even if the handler stopped early
	if _, err := io.Copy(io.Discard, counted); err != nil {
		if st.cancelled(ctx) {
			return ErrCancelled
		}
		p.log.Warn().Err(err).Stringer("url", st.url).Msg("Incomplete body, not caching")
		p.stats.Observe(outcomeUncached, int(counted.n))
		return nil
	}
	e := &cache.Entry{
		Content:     buf.Bytes(),
		Header:      cache.HeaderFromHTTP(resp.Header).Del("Set-Cookie"),
		RequestTime: requestTime,
		Alt:         out.alt,
		AltSize:     out.altSize,
	}
	e.Expires = cache.Expiration(e.Header, requestTime, p.now())
	p.write(ctx, key, e, true)
	p.stats.Observe(outcomeMiss, len(e.Content))
	return nil
}

func (p *Pipeline) process(ctx context.Context, st *runState, out *Response) error {
	st.resp = out
	if st.cancelled(ctx) {
		return ErrCancelled
	}
	if err := st.h.ProcessResponse(out); err != nil {
		if st.cancelled(ctx) {
			return ErrCancelled
		}
		return err
	}
	return nil
}

// write stores e in the transient tier and, unless only the alternate object
// changed, queues the cache file for the persistent tier.
func (p *Pipeline) write(ctx context.Context, key string, e *cache.Entry, persistFile bool) {
	p.cfg.Sandbox.Elevate(ctx, func(context.Context) {
		p.cfg.Cache.PutTransient(key, e, e.ApproxSize())
		if persistFile {
			p.cfg.Cache.PutPersistent(key, cache.EncodeFile(e.Header, e.Content, e.RequestTime), false)
		}
		m, ok := e.Alt.(encoding.BinaryMarshaler)
		if !ok {
			return
		}
		b, err := m.MarshalBinary()
		if err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("Could not encode alternate object")
			return
		}
		p.cfg.Cache.PutPersistent(key, b, true)
	})
}

func (p *Pipeline) saveCookies(ctx context.Context, u *url.URL, h http.Header) {
	if p.cfg.Jar == nil || !isHTTP(u) || len(h.Values("Set-Cookie")) == 0 {
		return
	}
	p.cfg.Sandbox.Elevate(ctx, func(context.Context) {
		p.cfg.Jar.SaveResponse(u, h)
	})
}

// mergeHeader applies the fields of a 304 response to a stored header.
// Fields keep their stored position; new ones are appended.
func mergeHeader(stored cache.Header, fresh http.Header) cache.Header {
	out := stored.Clone()
	names := make([]string, 0, len(fresh))
	for name := range fresh {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Set-Cookie", "Transfer-Encoding":
			continue
		}
		values := fresh[name]
		if len(values) == 1 {
			out = out.Set(name, values[0])
			continue
		}
		out = out.Del(name)
		for _, v := range values {
			out = append(out, cache.Field{Name: name, Value: v})
		}
	}
	return out
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

func isHTTP(u *url.URL) bool {
	s := strings.ToLower(u.Scheme)
	return s == "http" || s == "https"
}

type progressReader struct {
	r     io.Reader
	st    *runState
	n     int64
	total int64
}

func (r *progressReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if n > 0 {
		r.n += int64(n)
		r.st.progress(PhaseContentLoad, r.n, r.total)
	}
	return n, err
}

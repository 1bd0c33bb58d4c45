package netload

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/UprootLabs/gngrPreHistoric-sub000/internal/cache"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func okResponse(r *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader("ok")),
		ContentLength: 2,
		Request:       r,
	}
}

// gate is a transport that holds every request until it is released or the
// request context ends.
type gate struct {
	release chan struct{}

	mu      sync.Mutex
	paths   []string
	active  int
	peak    int
	entered chan string
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), entered: make(chan string, 64)}
}

func (g *gate) RoundTrip(r *http.Request) (*http.Response, error) {
	g.mu.Lock()
	g.paths = append(g.paths, r.URL.Path)
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	g.entered <- r.URL.Path
	select {
	case <-g.release:
		return okResponse(r), nil
	case <-r.Context().Done():
		return nil, r.Context().Err()
	}
}

func (g *gate) seen(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.paths {
		if p == path {
			return true
		}
	}
	return false
}

// trackedHandler counts completions and errors of one request.
type trackedHandler struct {
	*BasicHandler
	done   atomic.Int32
	errs   atomic.Int32
	doneCh chan struct{}
}

func newTracked(t *testing.T, rawURL string) *trackedHandler {
	t.Helper()
	req, err := NewRequest(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	th := &trackedHandler{BasicHandler: NewHandler(req), doneCh: make(chan struct{})}
	th.OnError = func(*Response, error) bool {
		th.errs.Add(1)
		return true
	}
	th.OnProgress = func(phase Phase, _ *url.URL, _ string, _, _ int64) {
		if phase == PhaseDone && th.done.Add(1) == 1 {
			close(th.doneCh)
		}
	}
	return th
}

func (th *trackedHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-th.doneCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s never finished", th.Req.URL)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestScheduler(t *testing.T, rt http.RoundTripper, workers int, idle time.Duration) *Scheduler {
	t.Helper()
	p := NewPipeline(PipelineConfig{Transport: rt}, log.Logger)
	s := NewScheduler(p, workers, idle, log.Logger)
	t.Cleanup(s.Close)
	return s
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	g := newGate()
	s := newTestScheduler(t, g, 2, 0)

	var hs []*trackedHandler
	for _, path := range []string{"/a", "/b", "/c", "/d", "/e", "/f"} {
		h := newTracked(t, "http://origin.test"+path)
		hs = append(hs, h)
		if err := s.Schedule(context.Background(), h); err != nil {
			t.Fatal(err)
		}
	}

	<-g.entered
	<-g.entered
	if got := s.Workers(); got != 2 {
		t.Fatalf("expected 2 workers, got %d", got)
	}
	waitFor(t, "queue to settle", func() bool { return s.Queued() == 4 })

	close(g.release)
	for _, h := range hs {
		h.wait(t)
		if h.errs.Load() != 0 {
			t.Fatalf("%s failed", h.Req.URL)
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.peak > 2 {
		t.Fatalf("expected at most 2 concurrent requests, saw %d", g.peak)
	}
	// FIFO: the first two requests were the ones dispatched first
	if g.paths[0] != "/a" && g.paths[1] != "/a" {
		t.Fatalf("requests dispatched out of order: %v", g.paths)
	}
}

func TestSchedulerRetiresIdleWorkers(t *testing.T) {
	s := newTestScheduler(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return okResponse(r), nil
	}), 3, 20*time.Millisecond)

	var hs []*trackedHandler
	for i := 0; i < 3; i++ {
		h := newTracked(t, "http://origin.test/x")
		hs = append(hs, h)
		if err := s.Schedule(context.Background(), h); err != nil {
			t.Fatal(err)
		}
	}
	for _, h := range hs {
		h.wait(t)
	}
	waitFor(t, "idle workers to exit", func() bool { return s.Workers() == 0 })

	// the pool restarts on demand
	h := newTracked(t, "http://origin.test/again")
	if err := s.Schedule(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	h.wait(t)
}

func TestCancelQueuedRequest(t *testing.T) {
	g := newGate()
	s := newTestScheduler(t, g, 1, 0)

	first := newTracked(t, "http://origin.test/first")
	queued := newTracked(t, "http://origin.test/queued")
	if err := s.Schedule(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	<-g.entered
	if err := s.Schedule(context.Background(), queued); err != nil {
		t.Fatal(err)
	}

	s.Cancel(queued)
	queued.wait(t)
	if s.Queued() != 0 {
		t.Fatalf("cancelled request still queued")
	}

	close(g.release)
	first.wait(t)
	if g.seen("/queued") {
		t.Fatal("cancelled request reached the transport")
	}
	if queued.errs.Load() != 0 || queued.done.Load() != 1 {
		t.Fatalf("cancelled request: %d errors, %d completions", queued.errs.Load(), queued.done.Load())
	}
}

func TestCancelRunningRequest(t *testing.T) {
	g := newGate()
	s := newTestScheduler(t, g, 1, 0)

	h := newTracked(t, "http://origin.test/slow")
	if err := s.Schedule(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	<-g.entered

	s.Cancel(h)
	h.wait(t)
	s.Cancel(h)
	waitFor(t, "request to unregister", func() bool { return s.pipeline.InFlight() == 0 })

	if n := h.done.Load(); n != 1 {
		t.Fatalf("expected one completion, got %d", n)
	}
	if n := h.errs.Load(); n != 0 {
		t.Fatalf("cancellation reported %d errors", n)
	}
}

func TestScheduleContextCancelAborts(t *testing.T) {
	g := newGate()
	s := newTestScheduler(t, g, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	h := newTracked(t, "http://origin.test/slow")
	if err := s.Schedule(ctx, h); err != nil {
		t.Fatal(err)
	}
	<-g.entered
	cancel()
	h.wait(t)
	if n := h.errs.Load(); n != 0 {
		t.Fatalf("cancellation reported %d errors", n)
	}
}

func TestSchedulerClose(t *testing.T) {
	g := newGate()
	p := NewPipeline(PipelineConfig{Transport: g}, log.Logger)
	s := NewScheduler(p, 1, 0, log.Logger)

	running := newTracked(t, "http://origin.test/running")
	queued := newTracked(t, "http://origin.test/queued")
	if err := s.Schedule(context.Background(), running); err != nil {
		t.Fatal(err)
	}
	<-g.entered
	if err := s.Schedule(context.Background(), queued); err != nil {
		t.Fatal(err)
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	running.wait(t)
	queued.wait(t)
	if s.Workers() != 0 {
		t.Fatalf("%d workers alive after Close", s.Workers())
	}

	late := newTracked(t, "http://origin.test/late")
	if err := s.Schedule(context.Background(), late); !errors.Is(err, ErrClosed) {
		t.Fatalf("Schedule after Close: %v", err)
	}
	s.Close()
}

func TestInlineRunsOnCaller(t *testing.T) {
	s := newTestScheduler(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return okResponse(r), nil
	}), 1, 0)

	h := newTracked(t, "http://origin.test/inline")
	var body string
	h.OnResponse = func(resp *Response) error {
		b, err := io.ReadAll(resp.Body)
		body = string(b)
		return err
	}
	s.Inline(context.Background(), h)
	if h.done.Load() != 1 || body != "ok" {
		t.Fatalf("inline run: done=%d body=%q", h.done.Load(), body)
	}
}

func TestCancelBetweenDequeueAndRun(t *testing.T) {
	var hits atomic.Int32
	s := newTestScheduler(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		hits.Add(1)
		return okResponse(r), nil
	}), 1, 0)

	h := newTracked(t, "http://origin.test/taken")
	s.mu.Lock()
	s.queue.PushBack(&task{ctx: context.Background(), h: h})
	s.mu.Unlock()

	tk, ok := s.next()
	if !ok {
		t.Fatal("queued task not returned")
	}
	s.Cancel(h)
	s.run(tk)

	if n := hits.Load(); n != 0 {
		t.Fatalf("cancelled request reached the transport %d times", n)
	}
	if h.done.Load() != 1 || h.errs.Load() != 0 {
		t.Fatalf("cancelled request: %d completions, %d errors", h.done.Load(), h.errs.Load())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.running) != 0 {
		t.Fatalf("%d tasks still tracked as running", len(s.running))
	}
}

func TestBurstStartsWorkersBesideIdleOne(t *testing.T) {
	g := newGate()
	s := newTestScheduler(t, g, 3, 0)

	warm := newTracked(t, "http://origin.test/warm")
	if err := s.Schedule(context.Background(), warm); err != nil {
		t.Fatal(err)
	}
	<-g.entered
	g.release <- struct{}{}
	warm.wait(t)
	waitFor(t, "worker to go idle", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.waiting == 1
	})

	var hs []*trackedHandler
	for _, path := range []string{"/x", "/y", "/z"} {
		h := newTracked(t, "http://origin.test"+path)
		hs = append(hs, h)
		if err := s.Schedule(context.Background(), h); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-g.entered:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 3 requests started with free workers", i)
		}
	}
	close(g.release)
	for _, h := range hs {
		h.wait(t)
	}
}

// slowBody blocks reads until its request context ends or it is closed.
type slowBody struct {
	ctx     context.Context
	reading chan struct{}
	once    sync.Once
	closed  chan struct{}
	closeMu sync.Once
}

func (b *slowBody) Read([]byte) (int, error) {
	b.once.Do(func() { close(b.reading) })
	select {
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	case <-b.closed:
		return 0, errors.New("read on closed body")
	}
}

func (b *slowBody) Close() error {
	b.closeMu.Do(func() { close(b.closed) })
	return nil
}

func TestCancelWhileReadingBody(t *testing.T) {
	for _, c := range []struct {
		name     string
		cached   bool
		readBody bool
	}{
		{"handler read", false, true},
		{"cache drain", true, false},
	} {
		t.Run(c.name, func(t *testing.T) {
			reading := make(chan struct{})
			rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{
					StatusCode:    http.StatusOK,
					Header:        http.Header{"Cache-Control": {"max-age=60"}},
					Body:          &slowBody{ctx: r.Context(), reading: reading, closed: make(chan struct{})},
					ContentLength: -1,
					Request:       r,
				}, nil
			})
			cfg := PipelineConfig{Transport: rt}
			if c.cached {
				store, err := cache.NewStore(cache.Config{RAMMax: 1 << 20}, log.Logger)
				if err != nil {
					t.Fatal(err)
				}
				defer store.Close()
				cfg.Cache = store
			}
			s := NewScheduler(NewPipeline(cfg, log.Logger), 1, 0, log.Logger)
			defer s.Close()

			h := newTracked(t, "http://origin.test/stream")
			h.OnResponse = func(resp *Response) error {
				if !c.readBody {
					return nil
				}
				_, err := io.ReadAll(resp.Body)
				return err
			}
			if err := s.Schedule(context.Background(), h); err != nil {
				t.Fatal(err)
			}
			select {
			case <-reading:
			case <-time.After(5 * time.Second):
				t.Fatal("body never read")
			}

			s.Cancel(h)
			h.wait(t)
			waitFor(t, "request to unregister", func() bool { return s.pipeline.InFlight() == 0 })
			if n := h.errs.Load(); n != 0 {
				t.Fatalf("cancelled body read reported %d errors", n)
			}
			if n := h.done.Load(); n != 1 {
				t.Fatalf("expected one completion, got %d", n)
			}
			if cfg.Cache != nil {
				if _, ok := cfg.Cache.GetTransient(cache.Key(h.Req.URL)); ok {
					t.Fatal("partial body was cached")
				}
			}
		})
	}
}

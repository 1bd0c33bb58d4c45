// Package netload loads resources over HTTP(S) and file: URLs. A Service
// wires the cache store, the cookie jar, the request pipeline and a bounded
// scheduler together and runs the background stats and prefetch loops.
package netload

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/UprootLabs/gngrPreHistoric-sub000/internal/cache"
	"github.com/UprootLabs/gngrPreHistoric-sub000/internal/cookie"
)

type Service struct {
	cfg Config
	log zerolog.Logger

	Cache     *cache.Store
	Jar       *cookie.Jar
	Pipeline  *Pipeline
	Scheduler *Scheduler

	cookies cookie.Store
	stats   *statsCollector

	// ctx carries the system principal and ends with Close.
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

type options struct {
	transport http.RoundTripper
	sandbox   Sandbox
}

type Option func(*options)

// WithTransport replaces the transport built from the network config.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

func WithSandbox(sb Sandbox) Option {
	return func(o *options) { o.sandbox = sb }
}

func NewService(cfg Config, log zerolog.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Compile(); err != nil {
		return nil, err
	}
	o := options{sandbox: DefaultSandbox{Root: cfg.Sandbox.Root}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = NewTransport(&cfg)
	}

	var denied string
	o.sandbox.Elevate(context.Background(), func(ctx context.Context) {
		for _, p := range []string{cfg.Storage.Disk.Path, cfg.Storage.Cookies.Path} {
			if p != "" && !o.sandbox.AllowPath(ctx, p) {
				denied = p
				return
			}
		}
	})
	if denied != "" {
		return nil, errors.Wrapf(ErrPathDenied, "storage path %q", denied)
	}

	store, err := cache.NewStore(cache.Config{
		RAMMax:   cfg.Storage.ramMax,
		DiskMax:  cfg.Storage.diskMax,
		DiskPath: cfg.Storage.Disk.Path,
	}, log)
	if err != nil {
		return nil, err
	}
	if p := cfg.Storage.Cookies.Path; p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			store.Close()
			return nil, errors.Wrap(err, "create cookie db directory")
		}
	}
	cookies, err := cookie.NewSQLiteStore(cfg.Storage.Cookies.Path)
	if err != nil {
		store.Close()
		return nil, err
	}
	jar := cookie.NewJar(cookies, log)

	pipeline := NewPipeline(PipelineConfig{
		Transport:         o.transport,
		Cache:             store,
		Jar:               jar,
		Sandbox:           o.sandbox,
		UserAgent:         cfg.Network.UserAgent,
		Timeout:           cfg.Network.timeoutDur,
		DefaultExpiration: cfg.Network.defaultExpDur,
		ChunkedPost:       cfg.Network.ChunkedPost,
		LocalFileCharset:  cfg.Network.LocalFileCharset,
	}, log)
	pipeline.stats = newStatsCollector()

	ctx, stop := context.WithCancel(WithPrincipal(context.Background(), SystemPrincipal))
	s := &Service{
		cfg:       cfg,
		log:       log,
		Cache:     store,
		Jar:       jar,
		Pipeline:  pipeline,
		Scheduler: NewScheduler(pipeline, cfg.Network.Workers, cfg.Network.idleTimeoutDur, log),
		cookies:   cookies,
		stats:     pipeline.stats,
		ctx:       ctx,
		stop:      stop,
	}

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	s.startPrefetch()

	log.Info().
		Int("workers", cfg.Network.Workers).
		Str("ram", cfg.Storage.RAM.Max).
		Str("disk", cfg.Storage.Disk.Max).
		Msg("Service started")
	return s, nil
}

// Fetch runs req on the calling goroutine with the principal of ctx and
// reads the whole response.
func (s *Service) Fetch(ctx context.Context, req *Request) (*Result, error) {
	return s.Pipeline.Fetch(ctx, req)
}

// Close stops the background loops, cancels pending requests and closes the
// stores. Queued persistent cache writes are flushed first.
func (s *Service) Close() {
	s.stop()
	s.Scheduler.Close()
	s.wg.Wait()
	if err := s.Cache.Close(); err != nil {
		s.log.Error().Err(err).Msg("Closing cache")
	}
	if err := s.cookies.Close(); err != nil {
		s.log.Error().Err(err).Msg("Closing cookie store")
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	entries, ramBytes, diskBytes := s.Cache.Usage()
	ev := s.log.Info().
		Int("entries", entries).
		Str("ram", formatBytes(uint64(ramBytes))).
		Str("disk", formatBytes(uint64(diskBytes))).
		Uint64("hits", ss.Hits).
		Uint64("misses", ss.Misses).
		Uint64("revalidated", ss.Revalidated).
		Uint64("uncached", ss.Uncached).
		Str("resp", formatBytes(ss.MinRespBytes)+"/"+formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes)).
		Int("inFlight", s.Pipeline.InFlight()).
		Int("queued", s.Scheduler.Queued())
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", formatBytes(rss))
	}
	ev.Msg("Stats")
}

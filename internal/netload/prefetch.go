package netload

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// startPrefetch periodically walks the configured sitemaps and schedules a
// programmatic GET for every listed page, which warms the cache.
func (s *Service) startPrefetch() {
	if len(s.cfg.Prefetch.Sitemaps) == 0 {
		return
	}
	initDelay := s.cfg.Prefetch.initialDelayDur
	period := s.cfg.Prefetch.rediscoverEveryDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
			defer cancel()
			scheduled, ignored, err := s.prefetchOnce(ctx)
			if err != nil {
				s.log.Error().Err(err).Str("component", "prefetch").Msg("Sitemap walk failed")
				return
			}
			s.log.Info().Str("component", "prefetch").Int("scheduled", scheduled).Int("ignored", ignored).Msg("Sitemap walk done")
		}

		runOnce()
		if period <= 0 {
			return
		}
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

func (s *Service) prefetchOnce(ctx context.Context) (scheduled, ignored int, _ error) {
	seen := map[string]struct{}{}
	var queue []*url.URL
	for _, raw := range s.cfg.Prefetch.Sitemaps {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || !isHTTP(u) {
			return 0, 0, errors.Errorf("prefetch sitemap %q is not an absolute http(s) url", raw)
		}
		queue = append(queue, u)
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return scheduled, ignored, err
		}
		sm := queue[0]
		queue = queue[1:]
		if _, ok := seen[sm.String()]; ok {
			continue
		}
		seen[sm.String()] = struct{}{}

		doc, err := s.fetchSitemap(ctx, sm)
		if err != nil {
			return scheduled, ignored, errors.Wrapf(err, "sitemap %s", sm)
		}
		for _, nested := range doc.Sitemaps {
			if u, err := sm.Parse(nested); err == nil && isHTTP(u) {
				queue = append(queue, u)
			}
		}

		for _, loc := range doc.URLs {
			u, err := sm.Parse(loc)
			if err != nil || loc == "" || !isHTTP(u) {
				ignored++
				continue
			}
			h := NewHandler(&Request{URL: u, Method: http.MethodGet, Class: ClassProgrammatic})
			h.OnError = func(_ *Response, err error) bool {
				s.log.Debug().Err(err).Stringer("url", u).Msg("Prefetch failed")
				return true
			}
			// scheduled work outlives this walk, so it runs with the service context
			if err := s.Scheduler.Schedule(s.ctx, h); err != nil {
				return scheduled, ignored, err
			}
			scheduled++
		}
		s.log.Debug().Stringer("sitemap", sm).Int("urls", len(doc.URLs)).Int("nested", len(doc.Sitemaps)).Msg("Sitemap read")
	}
	return scheduled, ignored, nil
}

func (s *Service) fetchSitemap(ctx context.Context, u *url.URL) (sitemapDoc, error) {
	res, err := s.Pipeline.Fetch(ctx, &Request{URL: u, Method: http.MethodGet, Class: ClassProgrammatic})
	if err != nil {
		return sitemapDoc{}, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet := res.Body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return sitemapDoc{}, errors.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}

	body := res.Body
	// .gz sitemaps may or may not have been decoded by the transport already
	if strings.HasSuffix(strings.ToLower(u.Path), ".gz") || bytes.HasPrefix(body, []byte{0x1f, 0x8b}) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.Wrap(err, "parse sitemap")
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

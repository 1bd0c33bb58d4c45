// Package cookie implements a domain and path scoped cookie jar. Every cookie
// lives in an in-memory per-domain table; cookies with an expiration are
// additionally written to a persistent Store and lazily read back per domain.
package cookie

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Jar is safe for concurrent use. It also satisfies http.CookieJar.
type Jar struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time

	mu          sync.Mutex
	domains     map[string]map[string]Record
	loaded      map[string]bool
	lastCreated time.Time
}

var _ http.CookieJar = (*Jar)(nil)

// NewJar returns a jar backed by store. A nil store keeps every cookie in
// memory only.
func NewJar(store Store, log zerolog.Logger) *Jar {
	return &Jar{
		store:   store,
		log:     log.With().Str("component", "cookies").Logger(),
		now:     time.Now,
		domains: map[string]map[string]Record{},
		loaded:  map[string]bool{},
	}
}

// SetClock replaces the jar's time source.
func (j *Jar) SetClock(now func() time.Time) {
	j.mu.Lock()
	j.now = now
	j.mu.Unlock()
}

func (j *Jar) clock() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.now()
}

// Save parses a Set-Cookie shaped spec string received from hostOrURL and
// stores the cookie. Cookies that fail to parse or carry a disallowed domain
// are logged and dropped.
func (j *Jar) Save(hostOrURL, spec string) {
	host := hostOf(hostOrURL)
	now := j.clock()
	r, err := Parse(host, spec, now)
	if err != nil {
		j.log.Warn().Err(err).Str("host", host).Msg("Dropping cookie")
		return
	}
	j.put(r, now)
}

// SaveResponse stores every Set-Cookie field of a response from u.
func (j *Jar) SaveResponse(u *url.URL, h http.Header) {
	for _, spec := range h.Values("Set-Cookie") {
		j.Save(u.String(), spec)
	}
}

func (j *Jar) put(r Record, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.loadLocked(r.Domain)
	m := j.domains[r.Domain]
	if m == nil {
		m = map[string]Record{}
		j.domains[r.Domain] = m
	}
	old, replacing := m[r.Name]
	if replacing {
		r.Created = old.Created
	} else {
		r.Created = j.nextCreatedLocked(now)
	}

	if r.Expired(now) {
		delete(m, r.Name)
		j.deleteStoredLocked(r.Domain, r.Name)
		j.log.Trace().Str("domain", r.Domain).Str("name", r.Name).Msg("Cookie deleted")
		return
	}

	m[r.Name] = r
	if r.Session() {
		if replacing && !old.Session() {
			j.deleteStoredLocked(r.Domain, r.Name)
		}
		return
	}
	if j.store != nil {
		if err := j.store.Put(r); err != nil {
			j.log.Error().Err(err).Str("domain", r.Domain).Str("name", r.Name).Msg("Could not persist cookie")
		}
	}
}

// nextCreatedLocked returns now, nudged forward so creation times strictly
// increase.
func (j *Jar) nextCreatedLocked(now time.Time) time.Time {
	if !now.After(j.lastCreated) {
		now = j.lastCreated.Add(time.Nanosecond)
	}
	j.lastCreated = now
	return now
}

func (j *Jar) deleteStoredLocked(domain, name string) {
	if j.store == nil {
		return
	}
	if err := j.store.Delete(domain, name); err != nil {
		j.log.Error().Err(err).Str("domain", domain).Str("name", name).Msg("Could not delete stored cookie")
	}
}

// loadLocked promotes the persistent cookies of domain into the memory table
// the first time the domain is touched. Cookies already in memory win.
func (j *Jar) loadLocked(domain string) {
	if j.loaded[domain] || j.store == nil {
		return
	}
	recs, err := j.store.Domain(domain)
	if err != nil {
		j.log.Error().Err(err).Str("domain", domain).Msg("Could not load stored cookies")
		return
	}
	j.loaded[domain] = true
	if len(recs) == 0 {
		return
	}
	m := j.domains[domain]
	if m == nil {
		m = map[string]Record{}
		j.domains[domain] = m
	}
	for _, r := range recs {
		if _, ok := m[r.Name]; ok {
			continue
		}
		m[r.Name] = r
		if r.Created.After(j.lastCreated) {
			j.lastCreated = r.Created
		}
	}
}

// Lookup returns the cookies to send to host for path, longest path first and
// earliest created first among equal path lengths. Expired cookies found along
// the way are evicted.
func (j *Jar) Lookup(host, path string) []Record {
	host = canonicalHost(host)
	if path == "" {
		path = "/"
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()

	var out []Record
	for _, domain := range possibleDomains(host) {
		j.loadLocked(domain)
		for name, r := range j.domains[domain] {
			if r.Expired(now) {
				delete(j.domains[domain], name)
				j.deleteStoredLocked(domain, name)
				j.log.Debug().Str("domain", domain).Str("name", name).Msg("Evicted expired cookie")
				continue
			}
			if r.HostOnly && domain != host {
				continue
			}
			if !pathMatch(r.Path, path) {
				continue
			}
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		if la, lb := len(out[a].Path), len(out[b].Path); la != lb {
			return la > lb
		}
		return out[a].Created.Before(out[b].Created)
	})
	return out
}

// CookieHeader renders the Cookie request header value for u. Secure cookies
// are only sent over https.
func (j *Jar) CookieHeader(u *url.URL) string {
	var b strings.Builder
	for _, r := range j.Lookup(u.Host, u.Path) {
		if r.Secure && u.Scheme != "https" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(r.Name)
		b.WriteString("=")
		b.WriteString(r.Value)
	}
	return b.String()
}

func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	for _, c := range cookies {
		j.Save(u.String(), c.String())
	}
}

func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	var out []*http.Cookie
	for _, r := range j.Lookup(u.Host, u.Path) {
		if r.Secure && u.Scheme != "https" {
			continue
		}
		out = append(out, &http.Cookie{Name: r.Name, Value: r.Value})
	}
	return out
}

func hostOf(hostOrURL string) string {
	if strings.Contains(hostOrURL, "://") {
		if u, err := url.Parse(hostOrURL); err == nil {
			return u.Host
		}
	}
	return hostOrURL
}

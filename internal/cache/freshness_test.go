package cache

import (
	"testing"
	"time"
)

func TestParseCacheControl(t *testing.T) {
	cc := ParseCacheControl([]string{"public, Max-Age=60", "max-age=10, NO-CACHE"})
	if val, ok := cc.Get("max-age"); !ok || val != "60" {
		t.Fatalf("max-age val: '%s', ok: %v", val, ok)
	}
	if !cc.Has("no-cache") {
		t.Fatal("no-cache not matched case-insensitively")
	}
	if val, ok := cc.Get("public"); !ok || val != "" {
		t.Fatalf("public val: '%s', ok: %v", val, ok)
	}
}

func TestCacheable(t *testing.T) {
	if !Cacheable(Header{{"Cache-Control", "max-age=5"}}) {
		t.Fatal("max-age response should be cacheable")
	}
	if Cacheable(Header{{"cache-control", "private, No-Cache"}}) {
		t.Fatal("no-cache response should not be cacheable")
	}
	if !Cacheable(nil) {
		t.Fatal("response without Cache-Control should be cacheable")
	}
}

func TestExpirationPriority(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base.Add(time.Minute)

	h := Header{
		{"Cache-Control", "max-age=30, must-revalidate"},
		{"Expires", "Thu, 01 Jan 2099 00:00:00 GMT"},
	}
	if exp := Expiration(h, base, now); !exp.Equal(now) {
		t.Fatalf("must-revalidate expiration is %s", exp)
	}

	h = Header{
		{"Cache-Control", "max-age=30"},
		{"Expires", "Thu, 01 Jan 2099 00:00:00 GMT"},
	}
	if exp := Expiration(h, base, now); !exp.Equal(base.Add(30 * time.Second)) {
		t.Fatalf("max-age expiration is %s", exp)
	}

	h = Header{{"Expires", "Thu, 01 Jan 2099 00:00:00 GMT"}}
	want := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	if exp := Expiration(h, base, now); !exp.Equal(want) {
		t.Fatalf("Expires expiration is %s", exp)
	}

	if exp := Expiration(Header{{"Content-Type", "text/html"}}, base, now); !exp.IsZero() {
		t.Fatalf("expected no expiration, got %s", exp)
	}
}

func TestDefaultOffsetFallback(t *testing.T) {
	requested := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Entry{RequestTime: requested}
	if exp := e.EffectiveExpiration(0); !exp.IsZero() {
		t.Fatalf("expected no expiration without offset, got %s", exp)
	}
	if exp := e.EffectiveExpiration(time.Hour); !exp.Equal(requested.Add(time.Hour)) {
		t.Fatalf("effective expiration is %s", exp)
	}
	if !e.Fresh(requested.Add(59*time.Minute), time.Hour) {
		t.Fatal("entry should be fresh before the offset elapses")
	}
	if e.Fresh(requested.Add(time.Hour), time.Hour) {
		t.Fatal("entry should be stale once the offset elapses")
	}
}

func TestHTTPDateFormats(t *testing.T) {
	for _, s := range []string{
		"Sun, 06 Nov 1994 08:49:37 GMT",
		"Sunday, 06-Nov-94 08:49:37 GMT",
		"Sun Nov  6 08:49:37 1994",
	} {
		d, err := HTTPDate(s)
		if err != nil {
			t.Fatalf("parsing %q: %v", s, err)
		}
		if d.Year() != 1994 || d.Month() != time.November || d.Day() != 6 {
			t.Fatalf("parsed %q as %s", s, d)
		}
	}
	if _, err := HTTPDate("yesterday"); err == nil {
		t.Fatal("expected error for garbage date")
	}
}

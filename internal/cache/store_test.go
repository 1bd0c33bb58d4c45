package cache

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := NewStore(cfg, log.Logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTransientLRUEviction(t *testing.T) {
	s := newTestStore(t, Config{RAMMax: 100})

	s.PutTransient("a", &Entry{Content: []byte("A")}, 40)
	s.PutTransient("b", &Entry{Content: []byte("B")}, 40)
	// touch a so b becomes least recently used
	if _, ok := s.GetTransient("a"); !ok {
		t.Fatal("expected a to exist")
	}
	s.PutTransient("c", &Entry{Content: []byte("C")}, 40)

	if _, ok := s.GetTransient("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := s.GetTransient("a"); !ok {
		t.Fatal("expected a to remain")
	}
	if _, ok := s.GetTransient("c"); !ok {
		t.Fatal("expected c to exist")
	}
	if _, ram, _ := s.Usage(); ram != 80 {
		t.Fatalf("transient usage is %d", ram)
	}
}

func TestTransientAccountsAltSize(t *testing.T) {
	e := &Entry{Content: make([]byte, 10), Alt: struct{}{}, AltSize: 500}
	if size := e.ApproxSize(); size < 500 {
		t.Fatalf("approx size %d ignores alternate object", size)
	}
	s := newTestStore(t, Config{RAMMax: 400})
	s.PutTransient("big", e, e.ApproxSize())
	if _, ok := s.GetTransient("big"); ok {
		t.Fatal("entry larger than the transient tier should not be kept")
	}
}

func TestPersistentReadWrite(t *testing.T) {
	s := newTestStore(t, Config{DiskPath: t.TempDir()})

	s.PutPersistent("http://example.com/", []byte("file"), false)
	s.PutPersistent("http://example.com/", []byte("alt"), true)
	s.Flush()

	if b, ok := s.GetPersistent("http://example.com/", false); !ok || string(b) != "file" {
		t.Fatalf("persistent file is %q (%v)", b, ok)
	}
	if b, ok := s.GetPersistent("http://example.com/", true); !ok || string(b) != "alt" {
		t.Fatalf("persistent alt is %q (%v)", b, ok)
	}

	s.Remove("http://example.com/")
	s.Flush()
	if _, ok := s.GetPersistent("http://example.com/", true); ok {
		t.Fatal("expected entry to be removed")
	}
}

func TestPersistentSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Config{DiskPath: dir}, log.Logger)
	if err != nil {
		t.Fatal(err)
	}
	s.PutPersistent("k", []byte("v"), false)
	s.Flush()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = newTestStore(t, Config{DiskPath: dir})
	if b, ok := s.GetPersistent("k", false); !ok || string(b) != "v" {
		t.Fatalf("reopened value is %q (%v)", b, ok)
	}
	if _, _, disk := s.Usage(); disk != 1 {
		t.Fatalf("reloaded disk usage is %d", disk)
	}
}

func TestPersistentEviction(t *testing.T) {
	s := newTestStore(t, Config{DiskMax: 10})
	s.PutPersistent("a", []byte("123456"), false)
	s.Flush()
	s.PutPersistent("b", []byte("123456"), false)
	s.Flush()

	if _, ok := s.GetPersistent("a", false); ok {
		t.Fatal("expected a to be evicted")
	}
	if _, ok := s.GetPersistent("b", false); !ok {
		t.Fatal("expected b to remain")
	}
}

func TestLookupPromotesPersistentHit(t *testing.T) {
	s := newTestStore(t, Config{})
	requested := time.Now()
	s.PutPersistent("k", EncodeFile(Header{{"Cache-Control", "max-age=60"}}, []byte("body"), requested), false)
	s.Flush()

	e, ok := s.Lookup("k")
	if !ok {
		t.Fatal("expected persistent hit")
	}
	if string(e.Content) != "body" {
		t.Fatalf("content is %q", e.Content)
	}
	if !e.Fresh(time.Now(), 0) {
		t.Fatal("entry with max-age=60 should be fresh")
	}
	if _, ok := s.GetTransient("k"); !ok {
		t.Fatal("expected persistent hit to be promoted")
	}
}

func TestLookupCarriesPersistedAlt(t *testing.T) {
	s := newTestStore(t, Config{})
	s.PutPersistent("k", EncodeFile(Header{{"Cache-Control", "max-age=60"}}, []byte("body"), time.Now()), false)
	s.PutPersistent("k", []byte("parsed"), true)
	s.Flush()

	e, ok := s.Lookup("k")
	if !ok || string(e.AltBytes) != "parsed" || e.Alt != nil {
		t.Fatalf("persistent hit is %+v", e)
	}
	if e.ApproxSize() < len("body")+len("parsed") {
		t.Fatalf("alt bytes not accounted: %d", e.ApproxSize())
	}

	s.PutPersistent("plain", EncodeFile(nil, []byte("body"), time.Now()), false)
	s.Flush()
	if e, ok := s.Lookup("plain"); !ok || e.AltBytes != nil {
		t.Fatalf("entry without alt is %+v", e)
	}
}

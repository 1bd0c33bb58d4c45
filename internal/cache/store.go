// Package cache implements the two-tier response cache: a size-bounded
// in-memory tier for recently used entries and a leveldb-backed persistent
// tier holding cache files keyed by normalized URL.
package cache

import (
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// RAMMax bounds the transient tier by cumulative approximate size.
	// Zero means unbounded.
	RAMMax int64
	// DiskMax bounds the persistent tier in bytes. Zero means unbounded.
	DiskMax int64
	// DiskPath is the leveldb directory. Empty keeps the persistent tier in
	// memory, which is only useful for tests.
	DiskPath string
}

// Store is safe for concurrent use.
type Store struct {
	ram  *ramCache
	disk *diskCache
	log  zerolog.Logger
	now  func() time.Time
}

func NewStore(cfg Config, log zerolog.Logger) (*Store, error) {
	log = log.With().Str("component", "cache").Logger()
	disk, err := newDiskCache(cfg.DiskPath, cfg.DiskMax, log)
	if err != nil {
		return nil, err
	}
	return &Store{
		ram:  newRAMCache(cfg.RAMMax, newRateLimitedLogger(log, time.Minute)),
		disk: disk,
		log:  log,
		now:  time.Now,
	}, nil
}

// SetClock replaces the time source used when decoding persistent entries.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Close() error {
	return s.disk.close()
}

// Flush waits for queued persistent writes to land.
func (s *Store) Flush() {
	s.disk.Flush()
}

func (s *Store) GetTransient(key string) (*Entry, bool) {
	return s.ram.Get(key)
}

// PutTransient stores entry under key with the caller's approximate cost,
// which must include the cost of any alternate object.
func (s *Store) PutTransient(key string, entry *Entry, approxSize int) {
	s.ram.Put(key, entry, int64(approxSize))
	s.log.Trace().Str("key", key).Int("size", approxSize).Msg("Transient cache write")
}

// GetPersistent returns the stored cache file for key, or the stored alternate
// object bytes when preferAlt is set and one exists.
func (s *Store) GetPersistent(key string, preferAlt bool) ([]byte, bool) {
	if preferAlt {
		if b, ok := s.disk.Get(prefixAlt + key); ok {
			return b, true
		}
	}
	return s.disk.Get(prefixFile + key)
}

// PutPersistent queues a write of b as the cache file (or alternate object)
// for key. The call does not wait for the disk.
func (s *Store) PutPersistent(key string, b []byte, isAlt bool) {
	prefix := prefixFile
	if isAlt {
		prefix = prefixAlt
	}
	s.disk.PutAsync(prefix+key, b)
	s.log.Trace().Str("key", key).Bool("alt", isAlt).Int("size", len(b)).Msg("Persistent cache write")
}

// Lookup returns the entry for key from the transient tier, falling back to
// the persistent tier. Persistent hits are promoted into the transient tier
// together with the stored alternate object bytes, if any.
func (s *Store) Lookup(key string) (*Entry, bool) {
	if e, ok := s.ram.Get(key); ok {
		return e, true
	}
	b, ok := s.GetPersistent(key, false)
	if !ok {
		return nil, false
	}
	e, err := ParseEntry(b, s.now())
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Dropping unreadable cache file")
		s.disk.Delete(prefixFile + key)
		return nil, false
	}
	if alt, ok := s.disk.Get(prefixAlt + key); ok {
		e.AltBytes = alt
	}
	s.ram.Put(key, e, int64(e.ApproxSize()))
	return e, true
}

// Remove invalidates key in both tiers.
func (s *Store) Remove(key string) {
	s.ram.Delete(key)
	s.disk.Delete(prefixFile + key)
	s.disk.Delete(prefixAlt + key)
	s.log.Trace().Str("key", key).Msg("Cache entry invalidated")
}

// Usage reports the number of transient entries and the size of both tiers.
func (s *Store) Usage() (entries int, ramBytes, diskBytes int64) {
	return s.ram.Len(), s.ram.TotalSize(), s.disk.TotalSize()
}

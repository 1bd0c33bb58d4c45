package netload

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type outcome int

const (
	outcomeHit outcome = iota
	outcomeMiss
	outcomeRevalidated
	outcomeUncached
)

// statsCollector counts delivered responses by cache outcome and tracks the
// delivered body size.
type statsCollector struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	revalidated atomic.Uint64
	uncached    atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(o outcome, respBytes int) {
	if s == nil {
		return
	}
	switch o {
	case outcomeHit:
		s.hits.Add(1)
	case outcomeMiss:
		s.misses.Add(1)
	case outcomeRevalidated:
		s.revalidated.Add(1)
	default:
		s.uncached.Add(1)
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)
	for cur := s.minRespBytes.Load(); n < cur; cur = s.minRespBytes.Load() {
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for cur := s.maxRespBytes.Load(); n > cur; cur = s.maxRespBytes.Load() {
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits        uint64
	Misses      uint64
	Revalidated uint64
	Uncached    uint64

	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Revalidated:    s.revalidated.Load(),
		Uncached:       s.uncached.Load(),
		TotalResponses: s.totalResponses.Load(),
	}
	if ss.TotalResponses == 0 {
		return ss
	}
	ss.MinRespBytes = s.minRespBytes.Load()
	if ss.MinRespBytes == math.MaxUint64 {
		ss.MinRespBytes = 0
	}
	ss.MaxRespBytes = s.maxRespBytes.Load()
	ss.AvgRespBytes = s.totalRespBytes.Load() / ss.TotalResponses
	return ss
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	}
	return trimFloat(float64(b)/gb) + "gb"
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}

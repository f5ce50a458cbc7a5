package valuecache

import (
	"cmp"
	"math"
	"slices"
	"time"
)

// decayWindow is the inactivity time that divides an entry's score by e.
const decayWindow = 60 * time.Second

type candidate struct {
	key   string
	e     *entry
	score float64
}

func (s *Store) candidates(score func(e *entry) float64) []candidate {
	c := make([]candidate, 0, len(s.m))
	for k, e := range s.m {
		c = append(c, candidate{key: k, e: e, score: score(e)})
	}
	slices.SortFunc(c, func(a, b candidate) int {
		if r := cmp.Compare(a.score, b.score); r != 0 {
			return r
		}
		return cmp.Compare(a.e.seq, b.e.seq)
	})
	return c
}

// valueDensity is accesses per KiB.
func valueDensity(e *entry) float64 {
	kb := float64(e.size) / 1024
	if kb <= 0 {
		return math.Inf(1)
	}
	return float64(e.accessCount) / kb
}

// evictByMemory deletes the entries with the lowest value density first
// until at least required bytes are freed.
func (s *Store) evictByMemory(required int64) {
	var freed int64
	for _, c := range s.candidates(valueDensity) {
		if freed >= required {
			return
		}
		s.deleteLocked(c.key, c.e)
		freed += c.e.size
		s.evictions++
	}
}

// evictLeastValuable deletes the single entry with the lowest recency
// weighted access count.
func (s *Store) evictLeastValuable() {
	now := s.opts.Now()
	c := s.candidates(func(e *entry) float64 {
		idle := now.Sub(e.lastAccessed)
		return float64(e.accessCount) * math.Exp(-float64(idle)/float64(decayWindow))
	})
	if len(c) == 0 {
		return
	}
	s.deleteLocked(c[0].key, c[0].e)
	s.evictions++
}

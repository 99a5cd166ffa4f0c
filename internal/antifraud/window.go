// Package antifraud guards the webhook endpoints and bot handlers against
// floods: a per-IP sliding window, a source allow-list and per-user throttling.
package antifraud

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultBuckets = 10
	defaultMaxKeys = 10000
)

type bucket struct {
	slot  int64
	count int
}

type window struct {
	buckets []bucket
}

// SlidingWindow counts hits per key in time buckets over a rolling window.
// Keys live in a bounded LRU, so a key that goes quiet is eventually evicted
// instead of accumulating forever.
type SlidingWindow struct {
	mu    sync.Mutex
	limit int
	width time.Duration
	count int
	keys  *lru.Cache[string, *window]
	now   func() time.Time
}

func NewSlidingWindow(limit int, span time.Duration, maxKeys int) (*SlidingWindow, error) {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	if span <= 0 {
		span = time.Minute
	}
	keys, err := lru.New[string, *window](maxKeys)
	if err != nil {
		return nil, err
	}
	width := span / defaultBuckets
	if width <= 0 {
		width = span
	}
	return &SlidingWindow{
		limit: limit,
		width: width,
		count: defaultBuckets,
		keys:  keys,
		now:   time.Now,
	}, nil
}

// Allow records a hit for key and reports whether it is within the limit.
// Rejected hits are not recorded. A non-positive limit disables the check.
func (s *SlidingWindow) Allow(key string) bool {
	if s == nil || s.limit <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.now().UnixNano() / int64(s.width)
	w, ok := s.keys.Get(key)
	if !ok {
		w = &window{buckets: make([]bucket, s.count)}
		s.keys.Add(key, w)
	}

	total := 0
	for _, b := range w.buckets {
		if b.slot > slot-int64(s.count) && b.slot <= slot {
			total += b.count
		}
	}
	if total >= s.limit {
		return false
	}

	b := &w.buckets[slot%int64(s.count)]
	if b.slot != slot {
		b.slot = slot
		b.count = 0
	}
	b.count++
	return true
}

// Len reports the number of tracked keys.
func (s *SlidingWindow) Len() int {
	return s.keys.Len()
}

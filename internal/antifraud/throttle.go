package antifraud

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Default intervals between accepted bot interactions per user.
const (
	MessageInterval  = time.Second
	CallbackInterval = 2 * time.Second
)

type throttleKey struct {
	userID   int64
	interval time.Duration
}

// Throttle allows one event per user per interval. Idle users age out of the
// cache after ttl.
type Throttle struct {
	mu       sync.Mutex
	limiters *expirable.LRU[throttleKey, *rate.Limiter]
	now      func() time.Time
}

func NewThrottle(size int, ttl time.Duration) *Throttle {
	if size <= 0 {
		size = defaultMaxKeys
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Throttle{
		limiters: expirable.NewLRU[throttleKey, *rate.Limiter](size, nil, ttl),
		now:      time.Now,
	}
}

func (t *Throttle) Allow(userID int64, interval time.Duration) bool {
	if t == nil || interval <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := throttleKey{userID: userID, interval: interval}
	limiter, ok := t.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		t.limiters.Add(key, limiter)
	}
	return limiter.AllowN(t.now(), 1)
}

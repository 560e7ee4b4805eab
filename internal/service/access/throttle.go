package access

import (
	"sync"

	"golang.org/x/time/rate"
)

// failureThrottle tracks denied attempts per user. Each denial consumes a
// token from the user's bucket; once the bucket is empty further requests
// are rejected before the state machine runs. Successful grants never
// consume tokens, so ordinary use is unaffected.
type failureThrottle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newFailureThrottle(perMinute, burst int) *failureThrottle {
	return &failureThrottle{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

func (t *failureThrottle) limiter(userID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(t.limit, t.burst)
		t.limiters[userID] = lim
	}
	return lim
}

// exhausted reports whether the user has burned through the failure budget.
// It only peeks at the bucket; being throttled does not itself consume a
// token.
func (t *failureThrottle) exhausted(userID string) bool {
	return t.limiter(userID).Tokens() < 1
}

// recordFailure charges one denial against the user.
func (t *failureThrottle) recordFailure(userID string) {
	t.limiter(userID).Allow()
}

package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

// LimitError reports which window rejected a request and how long the caller
// should wait before retrying. It matches ErrLimitExceeded under errors.Is.
type LimitError struct {
	Window     string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded on %s window, retry after %s", e.Window, e.RetryAfter)
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }

// Config holds the effective limits for one key. Zero means unlimited for a
// given window.
type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	TokensPerMinute   int
	TokensPerHour     int
	TokensPerDay      int
	ParallelRequests  int
}

// Merge overlays the non-zero fields of override onto base.
func Merge(base, override Config) Config {
	cfg := base
	if override.RequestsPerMinute > 0 {
		cfg.RequestsPerMinute = override.RequestsPerMinute
	}
	if override.RequestsPerHour > 0 {
		cfg.RequestsPerHour = override.RequestsPerHour
	}
	if override.RequestsPerDay > 0 {
		cfg.RequestsPerDay = override.RequestsPerDay
	}
	if override.TokensPerMinute > 0 {
		cfg.TokensPerMinute = override.TokensPerMinute
	}
	if override.TokensPerHour > 0 {
		cfg.TokensPerHour = override.TokensPerHour
	}
	if override.TokensPerDay > 0 {
		cfg.TokensPerDay = override.TokensPerDay
	}
	if override.ParallelRequests > 0 {
		cfg.ParallelRequests = override.ParallelRequests
	}
	return cfg
}

type window struct {
	name  string
	ttl   time.Duration
	limit int
}

func requestWindows(cfg Config) []window {
	return []window{
		{"rpm", time.Minute, cfg.RequestsPerMinute},
		{"rph", time.Hour, cfg.RequestsPerHour},
		{"rpd", 24 * time.Hour, cfg.RequestsPerDay},
	}
}

func tokenWindows(cfg Config) []window {
	return []window{
		{"tpm", time.Minute, cfg.TokensPerMinute},
		{"tph", time.Hour, cfg.TokensPerHour},
		{"tpd", 24 * time.Hour, cfg.TokensPerDay},
	}
}

// Admission describes the state of the minute request window after a
// successful Admit, for X-RateLimit response headers. Limit is zero when the
// key is unlimited.
type Admission struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter enforces fixed-window request and token budgets plus a
// concurrency semaphore, all backed by Redis. A nil limiter or nil client
// admits everything, so the gateway degrades open when Redis is down.
type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// Admit charges one request against every configured request window and
// acquires a semaphore slot. A rejected request is not counted: every
// increment taken before the rejecting window is rolled back.
func (l *RateLimiter) Admit(ctx context.Context, key string, cfg Config) (Admission, error) {
	if l == nil || l.client == nil {
		return Admission{}, nil
	}

	adm := Admission{}
	var taken []string
	rollback := func() {
		for _, k := range taken {
			l.client.Decr(ctx, k)
		}
	}

	for _, w := range requestWindows(cfg) {
		if w.limit <= 0 {
			continue
		}
		redisKey, resetAt := bucketKey(fmt.Sprintf("%s:%s", w.name, key), w.ttl)
		cnt, err := l.client.Incr(ctx, redisKey).Result()
		if err != nil {
			rollback()
			return Admission{}, err
		}
		taken = append(taken, redisKey)
		if cnt == 1 {
			l.client.Expire(ctx, redisKey, w.ttl)
		}
		if int(cnt) > w.limit {
			rollback()
			return Admission{}, &LimitError{Window: w.name, RetryAfter: time.Until(resetAt)}
		}
		if w.name == "rpm" {
			adm = Admission{Limit: w.limit, Remaining: w.limit - int(cnt), ResetAt: resetAt}
		}
	}

	if cfg.ParallelRequests > 0 {
		if err := l.semaphoreAcquire(ctx, fmt.Sprintf("sem:%s", key), cfg.ParallelRequests); err != nil {
			rollback()
			return Admission{}, err
		}
	}

	return adm, nil
}

// ConsumeTokens charges a token count against every configured token window.
// On rejection the increments are rolled back so a blocked request does not
// eat into the budget. The returned Admission reflects the minute token
// window, for X-RateLimit-*-Tokens headers.
func (l *RateLimiter) ConsumeTokens(ctx context.Context, key string, tokens int, cfg Config) (Admission, error) {
	if l == nil || l.client == nil || tokens <= 0 {
		return Admission{}, nil
	}

	adm := Admission{}
	var taken []string
	rollback := func() {
		for _, k := range taken {
			l.client.DecrBy(ctx, k, int64(tokens))
		}
	}

	for _, w := range tokenWindows(cfg) {
		if w.limit <= 0 {
			continue
		}
		redisKey, resetAt := bucketKey(fmt.Sprintf("%s:%s", w.name, key), w.ttl)
		used, err := l.client.IncrBy(ctx, redisKey, int64(tokens)).Result()
		if err != nil {
			rollback()
			return Admission{}, err
		}
		taken = append(taken, redisKey)
		if used == int64(tokens) {
			l.client.Expire(ctx, redisKey, w.ttl)
		}
		if int(used) > w.limit {
			rollback()
			return Admission{}, &LimitError{Window: w.name, RetryAfter: time.Until(resetAt)}
		}
		if w.name == "tpm" {
			adm = Admission{Limit: w.limit, Remaining: w.limit - int(used), ResetAt: resetAt}
		}
	}

	return adm, nil
}

// Release frees the semaphore slot taken by Admit. Window counters are left
// alone; the request happened.
func (l *RateLimiter) Release(ctx context.Context, key string, cfg Config) {
	if l == nil || l.client == nil {
		return
	}
	if cfg.ParallelRequests > 0 {
		semKey := fmt.Sprintf("sem:%s", key)
		// The slot key may have expired under a long-lived stream. A negative
		// counter would over-admit the next burst, so reset instead.
		if cnt, err := l.client.Decr(ctx, semKey).Result(); err == nil && cnt < 0 {
			l.client.Del(ctx, semKey)
		}
	}
}

// RollbackAdmit refunds a prior Admit for a request that was never dispatched:
// the request-window charges come back and the semaphore slot is freed. Used
// when a later admission stage rejects the request.
func (l *RateLimiter) RollbackAdmit(ctx context.Context, key string, cfg Config) {
	if l == nil || l.client == nil {
		return
	}
	for _, w := range requestWindows(cfg) {
		if w.limit <= 0 {
			continue
		}
		redisKey, _ := bucketKey(fmt.Sprintf("%s:%s", w.name, key), w.ttl)
		l.client.Decr(ctx, redisKey)
	}
	l.Release(ctx, key, cfg)
}

func (l *RateLimiter) semaphoreAcquire(ctx context.Context, key string, max int) error {
	ttl := 5 * time.Minute
	cnt, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	// Refresh on every acquire so steady traffic keeps the key alive.
	l.client.Expire(ctx, key, ttl)
	if int(cnt) > max {
		l.client.Decr(ctx, key)
		return &LimitError{Window: "parallel", RetryAfter: time.Second}
	}
	return nil
}

func bucketKey(prefix string, ttl time.Duration) (string, time.Time) {
	bucket := time.Now().UTC().Unix() / int64(ttl.Seconds())
	resetAt := time.Unix((bucket+1)*int64(ttl.Seconds()), 0).UTC()
	return fmt.Sprintf("%s:%d", prefix, bucket), resetAt
}

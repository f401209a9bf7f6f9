// Package ratelimit implements per-identity token buckets on top of
// golang.org/x/time/rate, with independent buckets per scope.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
)

type Scope string

const (
	ScopeSubmit Scope = "submit"
	ScopeStatus Scope = "status"
)

// Rule is a bucket of Capacity tokens refilled at Refill tokens per second.
type Rule struct {
	Capacity int
	Refill   float64
}

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Error is returned by Check when a request is refused. It matches
// apperr.ErrRateLimited.
type Error struct {
	Scope      Scope
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Scope, e.RetryAfter)
}

func (e *Error) Is(target error) bool { return target == apperr.ErrRateLimited }

type key struct {
	scope Scope
	id    string
}

type bucket struct {
	lim  *rate.Limiter
	last time.Time
}

type Limiter struct {
	rules map[Scope]Rule

	mu      sync.Mutex
	buckets map[key]*bucket
}

func New(rules map[Scope]Rule) *Limiter {
	r := make(map[Scope]Rule, len(rules))
	for s, rule := range rules {
		r[s] = rule
	}
	return &Limiter{rules: r, buckets: make(map[key]*bucket)}
}

func (l *Limiter) bucket(scope Scope, id string, rule Rule, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{scope, id}
	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(rule.Refill), rule.Capacity)}
		l.buckets[k] = b
	}
	b.last = now
	return b.lim
}

func (l *Limiter) Allow(scope Scope, id string) Result {
	return l.AllowAt(scope, id, time.Now())
}

// AllowAt takes one token from the (scope, id) bucket as of now. Scopes
// without a rule are not limited.
func (l *Limiter) AllowAt(scope Scope, id string, now time.Time) Result {
	rule, ok := l.rules[scope]
	if !ok {
		return Result{Allowed: true, Limit: math.MaxInt, Remaining: math.MaxInt}
	}
	lim := l.bucket(scope, id, rule, now)
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return Result{Limit: rule.Capacity, RetryAfter: time.Duration(math.MaxInt64)}
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return Result{Limit: rule.Capacity, RetryAfter: d}
	}
	return Result{
		Allowed:   true,
		Limit:     rule.Capacity,
		Remaining: int(math.Max(0, math.Floor(lim.TokensAt(now)))),
	}
}

// Check is Allow reporting a refusal as an *Error.
func (l *Limiter) Check(scope Scope, id string) (Result, error) {
	r := l.Allow(scope, id)
	if !r.Allowed {
		return r, &Error{Scope: scope, RetryAfter: r.RetryAfter}
	}
	return r, nil
}

// Sweep drops buckets that have been full and unused for at least idle.
// Such a bucket is indistinguishable from a new one.
func (l *Limiter) Sweep(now time.Time, idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if now.Sub(b.last) < idle {
			continue
		}
		if b.lim.TokensAt(now) >= float64(b.lim.Burst()) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len is the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Run sweeps idle buckets every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.Sweep(now, idle)
		case <-ctx.Done():
			return
		}
	}
}

// Identity names the caller of r: the X-API-Key header when present,
// otherwise the client IP.
func Identity(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return "key:" + k
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "anonymous"
	}
	return "ip:" + host
}

// Package middleware provides model.Client middlewares.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/clerkhq/clerk/runtime/kit/model"
	"github.com/clerkhq/clerk/runtime/kit/telemetry"
)

// DefaultTPM is the tokens-per-minute budget used when none is configured.
const DefaultTPM = 60000

type (
	// LimiterOptions configures a TokenLimiter.
	LimiterOptions struct {
		// InitialTPM is the starting tokens-per-minute budget.
		InitialTPM float64
		// MaxTPM caps recovery. Values below InitialTPM are raised to it.
		MaxTPM float64
		// Map and Key share the budget across processes through a Pulse
		// replicated map. Both must be set to enable clustering.
		Map *rmap.Map
		Key string
		// Logger reports budget changes.
		Logger telemetry.Logger
	}

	// TokenLimiter is an AIMD token bucket in front of a model.Client. It
	// estimates the cost of each request from its transcript, blocks until
	// the budget allows it, halves the budget on rate limit errors and grows
	// it linearly on success. A provider Retry-After hint holds every caller
	// until it elapses.
	TokenLimiter struct {
		mu           sync.Mutex
		limiter      *rate.Limiter
		currentTPM   float64
		minTPM       float64
		maxTPM       float64
		recoveryRate float64
		holdUntil    time.Time
		logger       telemetry.Logger
		now          func() time.Time

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	limitedClient struct {
		next    model.Client
		limiter *TokenLimiter
	}

	// clusterMap is the subset of rmap.Map used for clustering.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

// NewTokenLimiter returns a limiter. When opts.Map and opts.Key are set the
// budget is shared across processes; ctx bounds the map seeding.
func NewTokenLimiter(ctx context.Context, opts LimiterOptions) *TokenLimiter {
	var cm clusterMap
	if opts.Map != nil {
		cm = opts.Map
	}
	l := newClusterLimiter(ctx, cm, opts.Key, opts.InitialTPM, opts.MaxTPM)
	if opts.Logger != nil {
		l.logger = opts.Logger
	}
	return l
}

func newLimiter(initialTPM, maxTPM float64) *TokenLimiter {
	if initialTPM <= 0 {
		initialTPM = DefaultTPM
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	return &TokenLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       max(initialTPM*0.1, 1),
		maxTPM:       maxTPM,
		recoveryRate: max(initialTPM*0.05, 1),
		logger:       telemetry.NewNoopLogger(),
		now:          time.Now,
	}
}

// Wrap returns next guarded by the limiter.
func (l *TokenLimiter) Wrap(next model.Client) model.Client {
	return &limitedClient{next: next, limiter: l}
}

// TPM returns the current tokens-per-minute budget.
func (l *TokenLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	est := estimateTokens(req)
	if err := c.limiter.wait(ctx, est); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(ctx, err)
	if resp != nil {
		c.limiter.charge(resp.Usage.Total() - est)
	}
	return resp, err
}

func (l *TokenLimiter) wait(ctx context.Context, tokens int) error {
	l.mu.Lock()
	hold := l.holdUntil.Sub(l.now())
	burst := l.limiter.Burst()
	l.mu.Unlock()
	if hold > 0 {
		t := time.NewTimer(hold)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	// A single oversized request would never fit the bucket.
	return l.limiter.WaitN(ctx, min(tokens, burst))
}

// charge consumes tokens the estimate missed. The debt delays later callers
// instead of the one that incurred it.
func (l *TokenLimiter) charge(extra int) {
	if extra <= 0 {
		return
	}
	l.limiter.ReserveN(l.now(), min(extra, l.limiter.Burst()))
}

func (l *TokenLimiter) observe(ctx context.Context, err error) {
	if err == nil {
		l.probe()
		return
	}
	var rl *model.RateLimitError
	if !errors.As(err, &rl) {
		return
	}
	if rl.RetryAfter > 0 {
		l.mu.Lock()
		if until := l.now().Add(rl.RetryAfter); until.After(l.holdUntil) {
			l.holdUntil = until
		}
		l.mu.Unlock()
	}
	if tpm, changed := l.backoff(); changed {
		l.logger.Warn(ctx, "model rate limited, reducing token budget", "provider", rl.Provider, "tpm", tpm, "retry_after", rl.RetryAfter)
	}
}

func (l *TokenLimiter) backoff() (float64, bool) {
	l.mu.Lock()
	newTPM := max(l.currentTPM*0.5, l.minTPM)
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return newTPM, false
	}
	l.setLocked(newTPM)
	cb := l.onBackoff
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
	return newTPM, true
}

func (l *TokenLimiter) probe() {
	l.mu.Lock()
	newTPM := min(l.currentTPM+l.recoveryRate, l.maxTPM)
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setLocked(newTPM)
	cb := l.onProbe
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

// replaceTPM adopts a budget published by another process.
func (l *TokenLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm != l.currentTPM {
		l.setLocked(tpm)
	}
}

func (l *TokenLimiter) setLocked(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens approximates one token per three characters of transcript
// plus a fixed allowance for framing and tool schemas.
func estimateTokens(req *model.Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
		for _, c := range m.ToolCalls {
			chars += len(c.Payload)
		}
	}
	for _, t := range req.Tools {
		chars += len(t.Description)
	}
	if chars == 0 {
		return 500
	}
	return max(chars/3, 1) + 500
}

func newClusterLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *TokenLimiter {
	if key == "" || m == nil {
		return newLimiter(initialTPM, maxTPM)
	}
	if initialTPM <= 0 {
		initialTPM = DefaultTPM
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newLimiter(initialTPM, maxTPM)
		}
	}
	shared := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			shared = v
		}
	}
	l := newLimiter(shared, max(maxTPM, initialTPM))
	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate
	l.onBackoff = func(float64) {
		go updateShared(m, key, func(cur float64) float64 { return max(cur*0.5, floor) })
	}
	l.onProbe = func(float64) {
		go updateShared(m, key, func(cur float64) float64 { return min(cur+step, ceiling) })
	}
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
				l.replaceTPM(v)
			}
		}
	}()
	return l
}

// updateShared applies next to the shared budget with compare-and-swap,
// giving up after a few lost races.
func updateShared(m clusterMap, key string, next func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for range 3 {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		nv := next(cur)
		if nv == cur {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(nv)))
		if err != nil || prev == curStr {
			return
		}
	}
}

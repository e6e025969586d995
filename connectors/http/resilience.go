package http

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Breaker is an adaptive circuit breaker guarding Call: it opens once the
// rolling failure rate over window crosses threshold, then admits a
// bounded number of half-open probes before closing again.
type Breaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewBreaker constructs a breaker over a rolling window split into buckets.
func NewBreaker(window time.Duration, buckets, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *Breaker {
	if buckets <= 0 {
		buckets = 1
	}
	failureRateOpen = math.Min(math.Max(failureRateOpen, 0), 1)
	return &Breaker{
		minSamples:        minSamples,
		failureRateOpen:   failureRateOpen,
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(window, buckets),
		minAdaptiveOpen:   math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  failureRateOpen,
	}
}

// Allow reports whether a request may proceed.
func (c *Breaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 1
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult records a single call's outcome.
func (c *Breaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if time.Since(c.lastEval) >= c.evalInterval {
		if total, failures := c.window.stats(); total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		if total, failures := c.window.stats(); total >= c.minSamples {
			if float64(failures)/float64(total) >= c.dynamicThreshold {
				c.transitionToOpen()
			}
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	}
}

func (c *Breaker) transitionToOpen() {
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := otel.Meter("swarmguard/connectors/http").Int64Counter("http_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *Breaker) reset() {
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	counter, _ := otel.Meter("swarmguard/connectors/http").Int64Counter("http_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

type slidingWindow struct {
	buckets  int
	interval time.Duration
	data     []bucket
}

type bucket struct {
	success, fail int
	slot          int64
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	now := time.Now()
	idx := w.currentIndex(now)
	// A bucket is cleared only when its slot has rolled over to a new
	// interval, so samples within one interval accumulate.
	if slot := now.UnixNano() / w.interval.Nanoseconds(); w.data[idx].slot != slot {
		w.data[idx] = bucket{slot: slot}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	for _, b := range w.data {
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}

// RateLimiter is a token bucket guarding outbound call volume; one
// limiter covers every host the connector calls.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time

	allowed metric.Int64Counter
	denied  metric.Int64Counter
}

// NewRateLimiter builds a limiter admitting burstCapacity requests
// immediately, refilling at refillRate tokens/second thereafter.
func NewRateLimiter(burstCapacity int, refillRate float64) *RateLimiter {
	meter := otel.Meter("swarmguard/connectors/http")
	allowed, _ := meter.Int64Counter("http_ratelimit_allowed_total")
	denied, _ := meter.Int64Counter("http_ratelimit_denied_total")
	return &RateLimiter{
		tokens:     float64(burstCapacity),
		capacity:   float64(burstCapacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
		allowed:    allowed,
		denied:     denied,
	}
}

// Allow reports whether a token was available for immediate use.
func (r *RateLimiter) Allow(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		r.tokens = math.Min(r.capacity, r.tokens+elapsed*r.refillRate)
		r.lastRefill = now
	}

	if r.tokens >= 1.0 {
		r.tokens -= 1.0
		r.allowed.Add(ctx, 1, metric.WithAttributes(attribute.String("connector", "http")))
		return true
	}
	r.denied.Add(ctx, 1, metric.WithAttributes(attribute.String("connector", "http")))
	return false
}

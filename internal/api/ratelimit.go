package api

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterPool manages per-model and per-provider rate limiters
type RateLimiterPool struct {
	limiters map[string]*rate.Limiter
	rates    map[string]int // Track original rates for consistency check
	mu       sync.Mutex
}

// NewRateLimiterPool creates a new rate limiter pool
func NewRateLimiterPool() *RateLimiterPool {
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
	}
}

// GetOrCreate returns an existing rate limiter or creates a new one.
// If a limiter exists with a different rate, the existing one is kept.
func (p *RateLimiterPool) GetOrCreate(key string, requestsPerMinute, burst int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[key]; exists {
		if existingRate := p.rates[key]; existingRate != requestsPerMinute {
			slog.Warn("Rate limiter already exists with different rate, using existing rate",
				"key", key,
				"existing_rpm", existingRate,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[key] = limiter
	p.rates[key] = requestsPerMinute

	slog.Debug("Created rate limiter",
		"key", key,
		"rpm", requestsPerMinute,
		"burst", burst)

	return limiter
}

// Wait blocks until both the model limiter and, when providerRPM > 0,
// the shared provider limiter allow the next request.
func (p *RateLimiterPool) Wait(ctx context.Context, modelID string, modelRPM int, provider string, providerRPM, burstPercent int) error {
	if providerRPM > 0 {
		burst := max(1, providerRPM*burstPercent/100)
		if err := p.GetOrCreate("provider:"+provider, providerRPM, burst).Wait(ctx); err != nil {
			return err
		}
	}
	// Allow 20% burst capacity per model
	return p.GetOrCreate(modelID, modelRPM, max(5, modelRPM/5)).Wait(ctx)
}

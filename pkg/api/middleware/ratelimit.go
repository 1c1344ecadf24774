// PicoLink Core
// Copyright (c) 2026 The PicoLink Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of PicoLink Core.
//
// PicoLink Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// PicoLink Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with PicoLink Core.  If not, see <http://www.gnu.org/licenses/>.


package middleware

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/picolink/picolink-core/pkg/helpers/syncutil"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	RequestsPerMinute = 60
	BurstSize         = 10

	staleAfter      = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// ParseRemoteIP extracts the IP from an http.Request RemoteAddr.
func ParseRemoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	clock    clockwork.Clock
	limiters map[string]*rateLimiterEntry
	limit    rate.Limit
	burst    int
	mu       syncutil.Mutex
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(clock clockwork.Clock) *IPRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IPRateLimiter{
		clock:    clock,
		limiters: make(map[string]*rateLimiterEntry),
		limit:    rate.Limit(float64(RequestsPerMinute) / 60.0),
		burst:    BurstSize,
	}
}

func (rl *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	entry, exists := rl.limiters[ip]
	if !exists {
		entry = &rateLimiterEntry{
			limiter: rate.NewLimiter(rl.limit, rl.burst),
		}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// Allow reports whether a request from ip may proceed now.
func (rl *IPRateLimiter) Allow(ip string) bool {
	return rl.GetLimiter(ip).AllowN(rl.clock.Now(), 1)
}

// Cleanup removes entries not seen recently.
func (rl *IPRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for ip, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleAfter {
			delete(rl.limiters, ip)
			log.Debug().Str("ip", ip).Msg("removed stale rate limiter")
		}
	}
}

func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// StartCleanup prunes stale entries until ctx is cancelled.
func (rl *IPRateLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := rl.clock.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func HTTPRateLimitMiddleware(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := ParseRemoteIP(r.RemoteAddr).String()
			if !limiter.Allow(host) {
				log.Warn().
					Str("ip", host).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Msg("HTTP rate limit exceeded")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

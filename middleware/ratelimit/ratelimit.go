// Package ratelimit drops queries from clients above the configured
// queries per minute.
package ratelimit

import (
	"context"
	"net"

	"github.com/cespare/xxhash/v2"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/middleware"
)

// RateLimit type
type RateLimit struct {
	store *LimiterStore
	rate  int
}

// New return ratelimit
func New(cfg *config.Config) *RateLimit {
	return &RateLimit{
		store: NewLimiterStore(storeSize, cfg.ClientRateLimit),
		rate:  cfg.ClientRateLimit,
	}
}

// Name return middleware name
func (r *RateLimit) Name() string { return name }

// ServeDNS implements the Handle interface.
func (r *RateLimit) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w := ch.Writer

	if r.rate <= 0 || w.Internal() {
		ch.Next(ctx)
		return
	}

	ip := w.RemoteIP()
	if ip == nil || ip.IsLoopback() {
		ch.Next(ctx)
		return
	}

	if !r.store.Get(clientKey(ip)).Allow() {
		// no reply to client
		ch.Cancel()
		return
	}

	ch.Next(ctx)
}

func clientKey(ip net.IP) uint64 {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	return xxhash.Sum64(ip)
}

const (
	storeSize = 256 * 100

	name = "ratelimit"
)

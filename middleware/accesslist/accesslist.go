// Package accesslist drops queries from clients outside the allowed networks.
package accesslist

import (
	"context"
	"net"

	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/middleware"
)

// AccessList type
type AccessList struct {
	ranger cidranger.Ranger
}

// New return accesslist. An empty list allows every client.
func New(cfg *config.Config) *AccessList {
	a := new(AccessList)

	cidrs := cfg.AccessList
	if len(cidrs) == 0 {
		cidrs = []string{"0.0.0.0/0", "::0/0"}
	}

	a.ranger = cidranger.NewPCTrieRanger()
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			zlog.Error("Access list parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		_ = a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet))
	}

	return a
}

// Name return middleware name
func (a *AccessList) Name() string { return name }

// ServeDNS implements the Handle interface.
func (a *AccessList) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	if ch.Writer.Internal() {
		ch.Next(ctx)
		return
	}

	allowed, _ := a.ranger.Contains(ch.Writer.RemoteIP())
	if !allowed {
		// no reply to client
		ch.Cancel()
		return
	}

	ch.Next(ctx)
}

const name = "accesslist"

// Package authority answers queries for the served zone from the current
// zone snapshot. Every other query goes on down the chain.
package authority

import (
	"context"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/dnsutil"
	"github.com/meshns/meshns/hostsfile"
	"github.com/meshns/meshns/middleware"
	"github.com/meshns/meshns/zone"
)

// Authority type
type Authority struct {
	store *zone.Store
}

// New return authority. Until the first sync it serves the static hosts
// alone.
func New(cfg *config.Config) *Authority {
	var static []hostsfile.Entry
	if cfg.Hostsfile != "" {
		static = hostsfile.New(cfg.Hostsfile).Entries()
	}

	z := zone.Build(nil, static, zone.OptionsFrom(cfg))
	zlog.Debug("Initial zone built", "zone", z.Origin(), "names", z.Len())

	return NewWithStore(zone.NewStore(z))
}

// NewWithStore returns an authority serving store.
func NewWithStore(store *zone.Store) *Authority {
	return &Authority{store: store}
}

// Name return middleware name
func (a *Authority) Name() string { return name }

// Store returns the zone store the sync loop publishes into.
func (a *Authority) Store() *zone.Store { return a.store }

// ServeDNS implements the Handle interface.
func (a *Authority) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	msg, ok := Resolve(a.store.Load(), req)
	if !ok {
		ch.Next(ctx)
		return
	}

	if w.Proto() == "udp" {
		msg.Truncate(dnsutil.ClientMsgSize(req))
	}

	_ = w.WriteMsg(msg)
	ch.Cancel()
}

// Resolve answers req from z. It reports false when the queried name is
// not served by z and must be forwarded.
func Resolve(z *zone.Zone, req *dns.Msg) (*dns.Msg, bool) {
	if z == nil || len(req.Question) != 1 {
		return nil, false
	}

	q := req.Question[0]
	if !z.Authoritative(q.Name) {
		return nil, false
	}

	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Authoritative = true
	msg.RecursionAvailable = true

	if opt := req.IsEdns0(); opt != nil {
		msg.SetEdns0(dnsutil.DefaultMsgSize, opt.Do())
	}

	if q.Qclass != dns.ClassINET && q.Qclass != dns.ClassANY {
		msg.Rcode = dns.RcodeRefused
		return msg, true
	}

	rrs, result := z.Lookup(q.Name, q.Qtype)

	switch result {
	case zone.Success:
		msg.Answer = rrs
		return msg, true
	case zone.NXDomain:
		msg.Rcode = dns.RcodeNameError
	}

	// negative answers carry the soa of the forward zone for caching
	if dns.IsSubDomain(z.Origin(), dns.Fqdn(q.Name)) {
		if soa := z.SOA(); soa != nil {
			msg.Ns = append(msg.Ns, soa)
		}
	}

	return msg, true
}

const name = "authority"

// Package forwarder relays queries outside the served zone to upstream
// resolvers.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/dnsutil"
	"github.com/meshns/meshns/middleware"
)

// ErrAllFailed is returned when no target produced a response.
var ErrAllFailed = errors.New("all forward targets failed")

// Target is one upstream resolver.
type Target struct {
	Addr string
	Net  string
}

func (t Target) String() string {
	if t.Net == "tcp" {
		return "tcp://" + t.Addr
	}
	return t.Addr
}

// Forwarder type
type Forwarder struct {
	targets []Target
	timeout time.Duration
}

// New return forwarder. Without configured forwarders the nameservers of
// the resolvconf file are used.
func New(cfg *config.Config) *Forwarder {
	f := &Forwarder{
		targets: ParseTargets(cfg.Forwarders),
		timeout: cfg.Timeout.Duration,
	}

	if f.timeout <= 0 {
		f.timeout = 2 * time.Second
	}

	if len(cfg.Forwarders) == 0 && cfg.ResolvConf != "" {
		targets, err := resolvConf(cfg.ResolvConf)
		if err != nil {
			zlog.Warn("Resolver configuration read failed", "path", cfg.ResolvConf, "error", err.Error())
		}
		f.targets = targets
	}

	if len(f.targets) == 0 {
		zlog.Warn("No forward targets, names outside the zone will fail")
	}

	return f
}

// ParseTargets parses "host:port", "host" or "tcp://host:port" entries.
// Invalid entries are skipped.
func ParseTargets(list []string) []Target {
	var targets []Target

	for _, s := range list {
		t := Target{Addr: s, Net: "udp"}

		if addr, ok := strings.CutPrefix(s, "tcp://"); ok {
			t = Target{Addr: addr, Net: "tcp"}
		} else if addr, ok := strings.CutPrefix(s, "udp://"); ok {
			t.Addr = addr
		}

		host, port, err := net.SplitHostPort(t.Addr)
		if err != nil {
			host, port = strings.Trim(t.Addr, "[]"), "53"
		}

		if net.ParseIP(host) == nil {
			zlog.Error("Forwarder server is not correct. Check your config.", "server", s)
			continue
		}

		t.Addr = net.JoinHostPort(host, port)
		targets = append(targets, t)
	}

	return targets
}

func resolvConf(path string) ([]Target, error) {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	var targets []Target
	for _, server := range cc.Servers {
		if net.ParseIP(server) == nil {
			continue
		}
		targets = append(targets, Target{Addr: net.JoinHostPort(server, cc.Port), Net: "udp"})
	}

	return targets, nil
}

// Name return middleware name
func (f *Forwarder) Name() string { return name }

// Targets returns the upstream resolvers in the order they are tried.
func (f *Forwarder) Targets() []Target { return f.targets }

// ServeDNS implements the Handle interface.
func (f *Forwarder) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	if len(req.Question) == 0 {
		ch.CancelWithRcode(dns.RcodeFormatError, false)
		return
	}

	resp, err := f.Forward(ctx, req)
	if err != nil {
		zlog.Warn("Forward query failed", "query", dnsutil.FormatQuestion(req.Question[0]), "error", err.Error())
		ch.CancelWithRcode(dns.RcodeServerFailure, false)
		return
	}

	// a reply fetched over tcp may not fit the client's udp buffer
	if w.Proto() == "udp" {
		resp.Truncate(dnsutil.ClientMsgSize(req))
	}

	_ = w.WriteMsg(resp)
	ch.Cancel()
}

// Forward tries each target in order, each bounded by the per-target
// timeout. A truncated UDP reply is retried over TCP on the same target.
func (f *Forwarder) Forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if len(f.targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrAllFailed)
	}

	fReq := req.Copy()
	fReq.RecursionDesired = true

	var lastErr error

	for _, target := range f.targets {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		resp, err := f.exchange(ctx, fReq, target.Net, target.Addr)
		if err == nil && resp.Truncated && target.Net == "udp" {
			resp, err = f.exchange(ctx, fReq, "tcp", target.Addr)
		}

		if err != nil {
			zlog.Debug("Forward target failed", "target", target.String(), "error", err.Error())
			lastErr = err
			continue
		}

		resp.Id = req.Id
		resp.Authoritative = false

		return resp, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (f *Forwarder) exchange(ctx context.Context, req *dns.Msg, network, addr string) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	client := &dns.Client{
		Net:     network,
		Timeout: f.timeout,
		UDPSize: dnsutil.DefaultMsgSize,
	}

	resp, _, err := client.ExchangeContext(ctx, req, addr)
	return resp, err
}

const name = "forwarder"

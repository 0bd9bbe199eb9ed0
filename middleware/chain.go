package middleware

import (
	"context"

	"github.com/miekg/dns"
)

// Chain carries one query through the handlers.
type Chain struct {
	Writer  ResponseWriter
	Request *dns.Msg

	handlers []Handler

	head  int
	count int
}

// NewChain return new fresh chain.
func NewChain(handlers []Handler) *Chain {
	return &Chain{
		Writer:   &responseWriter{},
		handlers: handlers,
		count:    len(handlers),
	}
}

// Next calls the next handler in the chain.
func (ch *Chain) Next(ctx context.Context) {
	if ch.count == 0 {
		return
	}

	handler := ch.handlers[ch.head]
	ch.head++
	ch.count--

	handler.ServeDNS(ctx, ch)
}

// Cancel stops the chain, the remaining handlers are not called.
func (ch *Chain) Cancel() {
	ch.count = 0
}

// CancelWithRcode writes an empty reply with rcode and stops the chain.
func (ch *Chain) CancelWithRcode(rcode int, do bool) {
	m := new(dns.Msg)
	m.Extra = ch.Request.Extra
	m.SetRcode(ch.Request, rcode)

	m.RecursionAvailable = true
	m.RecursionDesired = ch.Request.RecursionDesired

	if opt := m.IsEdns0(); opt != nil {
		opt.SetDo(do)
	}

	_ = ch.Writer.WriteMsg(m)

	ch.count = 0
}

// Reset prepares the chain for a new query.
func (ch *Chain) Reset(w dns.ResponseWriter, r *dns.Msg) {
	ch.Writer.Reset(w)
	ch.Request = r
	ch.count = len(ch.handlers)
	ch.head = 0
}

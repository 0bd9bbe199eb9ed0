// Package recovery turns a panic anywhere below it in the chain into a
// server failure reply.
package recovery

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/dnsutil"
	"github.com/meshns/meshns/middleware"
)

// Recovery dummy type.
type Recovery struct{}

// New return recovery.
func New(cfg *config.Config) *Recovery {
	return &Recovery{}
}

// Name return middleware name.
func (r *Recovery) Name() string { return name }

// ServeDNS implements the Handle interface.
func (r *Recovery) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	defer func() {
		if rec := recover(); rec != nil {
			var query string
			if len(ch.Request.Question) > 0 {
				query = dnsutil.FormatQuestion(ch.Request.Question[0])
			}

			zlog.Error("Recovered in ServeDNS", "recover", rec, "query", query)

			if !ch.Writer.Written() {
				ch.CancelWithRcode(dns.RcodeServerFailure, false)
			}
			ch.Cancel()

			_, _ = os.Stderr.WriteString(fmt.Sprintf("panic: %v\n\n", rec))
			debug.PrintStack()
		}
	}()

	ch.Next(ctx)
}

const name = "recovery"

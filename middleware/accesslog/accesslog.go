// Package accesslog writes one line per answered query to a file, in a
// common log format.
package accesslog

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/dnsutil"
	"github.com/meshns/meshns/middleware"
)

// AccessLog type
type AccessLog struct {
	mu      sync.Mutex
	logFile *os.File
}

// New returns a new AccessLog. An empty path disables it.
func New(cfg *config.Config) *AccessLog {
	a := new(AccessLog)

	if cfg.AccessLog != "" {
		logFile, err := os.OpenFile(cfg.AccessLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			zlog.Error("Access log file open failed", "path", cfg.AccessLog, "error", strings.Trim(err.Error(), "\n"))
		}
		a.logFile = logFile
	}

	return a
}

// Name return middleware name
func (a *AccessLog) Name() string { return name }

// ServeDNS implements the Handle interface.
func (a *AccessLog) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	ch.Next(ctx)

	w := ch.Writer

	if a.logFile == nil || !w.Written() || w.Internal() {
		return
	}

	resp := w.Msg()
	if resp == nil || len(resp.Question) == 0 {
		return
	}

	aa := "-aa"
	if resp.Authoritative {
		aa = "+aa"
	}

	record := []string{
		w.RemoteIP().String() + " -",
		"[" + time.Now().Format("02/Jan/2006:15:04:05 -0700") + "]",
		`"` + dnsutil.FormatQuestion(resp.Question[0]) + `"`,
		w.Proto(),
		aa,
		dns.RcodeToString[resp.Rcode],
		strconv.Itoa(resp.Len()),
	}

	a.mu.Lock()
	_, err := a.logFile.WriteString(strings.Join(record, " ") + "\n")
	a.mu.Unlock()

	if err != nil {
		zlog.Error("Access log write failed", "error", strings.Trim(err.Error(), "\n"))
	}
}

// Close closes the log file.
func (a *AccessLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.logFile == nil {
		return nil
	}

	err := a.logFile.Close()
	a.logFile = nil

	return err
}

const name = "accesslog"

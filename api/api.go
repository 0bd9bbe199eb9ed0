// Package api serves the HTTP admin interface: zone dump, sync status,
// manual sync, lookups through the query chain and prometheus metrics.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/dnsutil"
	"github.com/meshns/meshns/updater"
	"github.com/meshns/meshns/zone"
)

// Syncer is the part of the sync loop the API drives.
type Syncer interface {
	Sync(ctx context.Context) error
	Status() updater.Status
}

// API type
type API struct {
	addr    string
	store   *zone.Store
	syncer  Syncer
	router  *gin.Engine
	timeout time.Duration
}

var debugpprof bool

func init() {
	_, debugpprof = os.LookupEnv("MESHNS_PPROF")
}

// New return new api
func New(cfg *config.Config, store *zone.Store, syncer Syncer) *API {
	gin.SetMode(gin.ReleaseMode)

	a := &API{
		addr:    cfg.API,
		store:   store,
		syncer:  syncer,
		router:  gin.New(),
		timeout: cfg.QueryTimeout.Duration,
	}

	if a.timeout <= 0 {
		a.timeout = 5 * time.Second
	}

	a.router.Use(gin.Recovery(), a.logger)
	a.routes()

	return a
}

func (a *API) routes() {
	if debugpprof {
		pprof.Register(a.router)
	}

	v1 := a.router.Group("/api/v1")
	{
		v1.GET("/zone", a.zone)
		v1.GET("/status", a.status)
		v1.POST("/sync", a.sync)
		v1.GET("/lookup/:qname/:qtype", a.lookup)
	}

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler returns the router.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) logger(c *gin.Context) {
	start := time.Now()
	c.Next()

	zlog.Debug("API request", "method", c.Request.Method, "path", c.Request.URL.Path,
		"status", c.Writer.Status(), "duration", time.Since(start).String())
}

func (a *API) zone(c *gin.Context) {
	z := a.store.Load()

	records := z.Records()
	lines := make([]string, 0, len(records))
	for _, rr := range records {
		lines = append(lines, rr.String())
	}

	networks := make([]string, 0, len(z.Networks()))
	for _, n := range z.Networks() {
		networks = append(networks, n.String())
	}

	c.JSON(http.StatusOK, gin.H{
		"origin":    z.Origin(),
		"serial":    z.Serial(),
		"ttl":       z.TTL(),
		"wildcard":  z.Wildcard(),
		"names":     z.Len(),
		"networks":  networks,
		"records":   lines,
		"published": a.store.Published(),
	})
}

func (a *API) status(c *gin.Context) {
	c.JSON(http.StatusOK, a.syncer.Status())
}

func (a *API) sync(c *gin.Context) {
	err := a.syncer.Sync(c.Request.Context())

	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "status": a.syncer.Status()})
	case errors.Is(err, updater.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (a *API) lookup(c *gin.Context) {
	qname := dns.Fqdn(c.Param("qname"))
	if _, ok := dns.IsDomainName(qname); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid name " + c.Param("qname")})
		return
	}

	qtype, ok := dns.StringToType[strings.ToUpper(c.Param("qtype"))]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown type " + c.Param("qtype")})
		return
	}

	req := new(dns.Msg)
	req.SetQuestion(qname, qtype)

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.timeout)
	defer cancel()

	resp, err := dnsutil.ExchangeInternal(ctx, req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"question":      dnsutil.FormatQuestion(req.Question[0]),
		"rcode":         dns.RcodeToString[resp.Rcode],
		"authoritative": resp.Authoritative,
		"answer":        text(resp.Answer),
		"authority":     text(resp.Ns),
	})
}

func text(rrs []dns.RR) []string {
	out := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		out = append(out, rr.String())
	}
	return out
}

// Run serves the API until ctx is done. An empty address disables it.
func (a *API) Run(ctx context.Context) error {
	if a.addr == "" {
		<-ctx.Done()
		return nil
	}

	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	zlog.Info("API server listening...", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info("API server stopping...", "addr", a.addr)

	apiCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(apiCtx); err != nil {
		zlog.Error("Shutdown API server failed", "error", err.Error())
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Package updater keeps the served zone in step with the directory.
package updater

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/zlog/v2"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/directory"
	"github.com/meshns/meshns/hostsfile"
	"github.com/meshns/meshns/middleware/metrics"
	"github.com/meshns/meshns/zone"
)

// ErrBusy is returned by Sync while another cycle runs.
var ErrBusy = errors.New("sync already running")

// Updater runs the sync cycle: fetch the roster, build a zone, publish it
// and advertise this server as the network's resolver. A failed cycle
// leaves the published zone untouched.
type Updater struct {
	network   string
	dir       directory.Directory
	store     *zone.Store
	hosts     *hostsfile.Hostsfile
	opts      zone.Options
	interval  time.Duration
	advertise []string

	// pushTimeout bounds the resolver push, the cycle holds the sync guard
	// until it returns.
	pushTimeout time.Duration

	state   atomic.Int32
	running atomic.Bool
	trigger chan struct{}

	mu          sync.Mutex
	lastSync    time.Time
	lastSuccess time.Time
	lastErr     error
	members     int
	pushed      []string
	pushFailed  bool

	cycles   *prometheus.CounterVec
	duration prometheus.Histogram
	names    prometheus.Gauge
}

// Status is a point in time view of the updater.
type Status struct {
	Network     string    `json:"network"`
	State       string    `json:"state"`
	LastSync    time.Time `json:"last_sync"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
	Members     int       `json:"members"`
	Names       int       `json:"names"`
	Serial      uint32    `json:"serial"`
	Servers     []string  `json:"servers"`
	Published   time.Time `json:"published"`
}

// New returns an updater publishing into store. hosts may be nil.
func New(cfg *config.Config, dir directory.Directory, store *zone.Store, hosts *hostsfile.Hostsfile) *Updater {
	if hosts == nil {
		hosts = hostsfile.New("")
	}

	u := &Updater{
		network:   cfg.Network,
		dir:       dir,
		store:     store,
		hosts:     hosts,
		opts:      zone.OptionsFrom(cfg),
		interval:  cfg.Interval.Duration,
		advertise: Advertised(cfg),
		trigger:   make(chan struct{}, 1),

		pushTimeout: defaultPushTimeout,

		cycles: metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshns",
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by result",
		}, []string{"result"})),
		duration: metrics.Register(prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meshns",
			Name:      "sync_duration_seconds",
			Help:      "Time spent in a sync cycle",
			Buckets:   prometheus.DefBuckets,
		})),
		names: metrics.Register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshns",
			Name:      "zone_names",
			Help:      "Owner names in the published zone",
		})),
	}

	if u.interval <= 0 {
		u.interval = 30 * time.Second
	}

	return u
}

// Advertised returns the resolver addresses pushed to the directory: the
// configured advertise list, or the bind address when it names a host.
func Advertised(cfg *config.Config) []string {
	var servers []string

	for _, addr := range cfg.Advertise {
		if ip := net.ParseIP(strings.Trim(addr, "[]")); ip != nil {
			servers = append(servers, ip.String())
			continue
		}
		zlog.Warn("Skipping advertise address", "addr", addr)
	}

	if len(servers) > 0 {
		return servers
	}

	host, _, err := net.SplitHostPort(cfg.Bind)
	if err != nil {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() && !ip.IsLoopback() {
		return []string{ip.String()}
	}

	return nil
}

// Run syncs immediately, then on every interval and on Trigger, until ctx
// is done. Ticks that fire while a cycle runs are skipped.
func (u *Updater) Run(ctx context.Context) error {
	zlog.Info("Sync loop started", "network", u.network, "interval", u.interval.String())

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			zlog.Info("Sync loop stopped", "network", u.network)
			return nil
		case <-ticker.C:
			u.tick(ctx)
		case <-u.trigger:
			u.tick(ctx)
		}

		// drop a tick that fired during the cycle
		select {
		case <-ticker.C:
			zlog.Debug("Sync tick skipped, cycle overran the interval")
		default:
		}
	}
}

func (u *Updater) tick(ctx context.Context) {
	if err := u.Sync(ctx); errors.Is(err, ErrBusy) {
		zlog.Debug("Sync tick skipped", "error", err.Error())
	}
}

// Trigger requests a cycle from Run without waiting for it.
func (u *Updater) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
	}
}

// State returns the current phase.
func (u *Updater) State() State { return State(u.state.Load()) }

func (u *Updater) setState(s State) { u.state.Store(int32(s)) }

// Sync runs one cycle. It returns ErrBusy when a cycle is already running.
func (u *Updater) Sync(ctx context.Context) error {
	if !u.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer u.running.Store(false)
	defer u.setState(Idle)

	start := time.Now()

	members, err := u.cycle(ctx)

	u.duration.Observe(time.Since(start).Seconds())

	u.mu.Lock()
	u.lastSync = start
	u.lastErr = err
	if err == nil {
		u.lastSuccess = start
		u.members = members
	}
	u.mu.Unlock()

	if err != nil {
		u.cycles.WithLabelValues(result(err)).Inc()

		if ctx.Err() != nil {
			zlog.Info("Sync abandoned", "network", u.network)
		} else {
			zlog.Error("Sync failed, serving the last zone", "network", u.network, "error", err.Error())
		}
		return err
	}

	u.cycles.WithLabelValues("success").Inc()

	return nil
}

func (u *Updater) cycle(ctx context.Context) (int, error) {
	u.setState(Fetching)

	roster, err := u.dir.Roster(ctx, u.network)
	if err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	u.setState(Building)

	z, err := u.build(roster)
	if err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	u.setState(Publishing)

	previous := u.store.Load()
	u.store.Publish(z)
	u.names.Set(float64(z.Len()))

	if previous == nil || previous.Serial() != z.Serial() {
		zlog.Info("Zone published", "zone", z.Origin(), "names", z.Len(), "members", len(roster.Members), "serial", z.Serial())
	}

	u.push(ctx)

	return len(roster.Members), nil
}

// build never lets a broken roster take the loop down.
func (u *Updater) build(roster *directory.Roster) (z *zone.Zone, err error) {
	defer func() {
		if r := recover(); r != nil {
			z, err = nil, fmt.Errorf("zone build failed: %v", r)
		}
	}()

	return zone.Build(roster, u.hosts.Entries(), u.opts), nil
}

// push advertises the servers when they changed since the last successful
// push, or when the last push failed. Failures wait for the next cycle.
func (u *Updater) push(ctx context.Context) {
	if len(u.advertise) == 0 {
		return
	}

	u.mu.Lock()
	current := slices.Equal(u.pushed, u.advertise) && !u.pushFailed
	u.mu.Unlock()

	if current {
		return
	}

	resolver := directory.Resolver{
		Domain:  strings.TrimSuffix(u.store.Load().Origin(), "."),
		Servers: u.advertise,
	}

	pctx, cancel := context.WithTimeout(ctx, u.pushTimeout)
	defer cancel()

	err := u.dir.PushResolver(pctx, u.network, resolver)

	u.mu.Lock()
	defer u.mu.Unlock()

	if err != nil {
		u.pushFailed = true
		zlog.Warn("Resolver push failed", "network", u.network, "error", err.Error())
		return
	}

	u.pushFailed = false
	u.pushed = slices.Clone(u.advertise)
	zlog.Info("Resolver pushed", "network", u.network, "domain", resolver.Domain, "servers", strings.Join(resolver.Servers, ","))
}

// Status returns the current status.
func (u *Updater) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := Status{
		Network:     u.network,
		State:       u.State().String(),
		LastSync:    u.lastSync,
		LastSuccess: u.lastSuccess,
		Members:     u.members,
		Servers:     slices.Clone(u.pushed),
		Published:   u.store.Published(),
	}

	if u.lastErr != nil {
		s.LastError = u.lastErr.Error()
	}

	if z := u.store.Load(); z != nil {
		s.Names = z.Len()
		s.Serial = z.Serial()
	}

	return s
}

func result(err error) string {
	switch {
	case errors.Is(err, directory.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, directory.ErrNotFound):
		return "not_found"
	case errors.Is(err, directory.ErrMalformed):
		return "malformed"
	case errors.Is(err, directory.ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

const defaultPushTimeout = 5 * time.Second

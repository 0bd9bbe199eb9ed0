// Package server runs the DNS listeners and feeds every query through the
// middleware chain.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	l "log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/errgroup"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/middleware"
	"github.com/meshns/meshns/mock"
	"github.com/meshns/meshns/server/doh"
	"github.com/meshns/meshns/server/doq"
)

// shutdownTimeout bounds how long in-flight queries may take to finish.
const shutdownTimeout = 5 * time.Second

// Server type
type Server struct {
	addr    string
	tlsAddr string
	doqAddr string
	dohAddr string

	tlsCertificate string
	tlsPrivateKey  string

	queryTimeout time.Duration

	chainPool sync.Pool

	mu    sync.Mutex
	bound map[string]string
}

// service is one bound listener. release closes a listener that was never
// served.
type service struct {
	proto    string
	serve    func() error
	shutdown func(context.Context) error
	release  func()
}

// New return new server
func New(cfg *config.Config) *Server {
	server := &Server{
		addr:           cfg.Bind,
		tlsAddr:        cfg.BindTLS,
		doqAddr:        cfg.BindDOQ,
		dohAddr:        cfg.BindDOH,
		tlsCertificate: cfg.TLSCertificate,
		tlsPrivateKey:  cfg.TLSPrivateKey,
		queryTimeout:   cfg.QueryTimeout.Duration,
		bound:          make(map[string]string),
	}

	if server.addr == "" {
		server.addr = ":53"
	}

	if server.queryTimeout <= 0 {
		server.queryTimeout = 5 * time.Second
	}

	server.chainPool.New = func() any {
		return middleware.NewChain(middleware.Handlers())
	}

	return server
}

// ServeDNS implements the Handle interface.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.queryTimeout)
	defer cancel()

	ch := s.chainPool.Get().(*middleware.Chain)

	ch.Reset(w, r)

	ch.Next(ctx)

	s.chainPool.Put(ch)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handle := func(req *dns.Msg) *dns.Msg {
		mw := mock.NewWriter("doh", r.RemoteAddr)
		s.ServeDNS(mw, req)

		if !mw.Written() {
			return nil
		}

		return mw.Msg()
	}

	doh.HandleWireFormat(handle)(w, r)
}

// Addr returns the bound address of a listener: udp, tcp, tcp-tls, doq or
// doh. It is empty until Run has bound it.
func (s *Server) Addr(proto string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bound[proto]
}

func (s *Server) setAddr(proto, addr string) {
	s.mu.Lock()
	s.bound[proto] = addr
	s.mu.Unlock()
}

// Run binds every configured listener and serves until ctx is done. Bind and
// credential failures are returned before any query is served. On cancel the
// listeners stop accepting and in-flight queries are given time to finish.
func (s *Server) Run(ctx context.Context) error {
	services, stop, err := s.listen()
	if err != nil {
		return err
	}
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	for _, svc := range services {
		g.Go(func() error {
			if err := svc.serve(); err != nil {
				return fmt.Errorf("%s listener failed: %w", svc.proto, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for _, svc := range services {
			if err := svc.shutdown(sctx); err != nil {
				zlog.Warn("DNS listener shutdown failed", "net", svc.proto, "error", err.Error())
			}
		}

		zlog.Info("DNS listeners stopped")

		return nil
	})

	return g.Wait()
}

func (s *Server) listen() (services []service, stop func(), err error) {
	var cm *CertManager

	stop = func() {
		if cm != nil {
			cm.Stop()
		}
	}

	defer func() {
		if err == nil {
			return
		}

		for _, svc := range services {
			svc.release()
		}
		stop()
	}()

	for _, network := range []string{"udp", "tcp"} {
		svc, err := s.listenDNS(network)
		if err != nil {
			return services, stop, err
		}
		services = append(services, svc)
	}

	if s.tlsAddr == "" && s.doqAddr == "" && s.dohAddr == "" {
		return services, stop, nil
	}

	cm, err = NewCertManager(s.tlsCertificate, s.tlsPrivateKey)
	if err != nil {
		return services, stop, err
	}

	secure := []struct {
		addr   string
		listen func(*tls.Config) (service, error)
	}{
		{s.tlsAddr, s.listenDNSTLS},
		{s.doqAddr, s.listenDOQ},
		{s.dohAddr, s.listenDOH},
	}

	for _, listener := range secure {
		if listener.addr == "" {
			continue
		}

		svc, err := listener.listen(cm.GetTLSConfig())
		if err != nil {
			return services, stop, err
		}
		services = append(services, svc)
	}

	return services, stop, nil
}

func (s *Server) listenDNS(network string) (service, error) {
	server := &dns.Server{
		Net:           network,
		Handler:       s,
		MaxTCPQueries: 2048,
	}

	switch network {
	case "udp":
		pc, err := net.ListenPacket(network, s.addr)
		if err != nil {
			return service{}, fmt.Errorf("could not bind %s %s: %w", network, s.addr, err)
		}
		server.PacketConn = pc
		s.setAddr(network, pc.LocalAddr().String())
	default:
		ln, err := net.Listen(network, s.addr)
		if err != nil {
			return service{}, fmt.Errorf("could not bind %s %s: %w", network, s.addr, err)
		}
		server.Listener = ln
		s.setAddr(network, ln.Addr().String())
	}

	zlog.Info("DNS server listening...", "net", network, "addr", s.Addr(network))

	return dnsService(network, server), nil
}

func (s *Server) listenDNSTLS(tlsConfig *tls.Config) (service, error) {
	ln, err := tls.Listen("tcp", s.tlsAddr, tlsConfig)
	if err != nil {
		return service{}, fmt.Errorf("could not bind tcp-tls %s: %w", s.tlsAddr, err)
	}

	s.setAddr("tcp-tls", ln.Addr().String())
	zlog.Info("DNS server listening...", "net", "tcp-tls", "addr", ln.Addr().String())

	server := &dns.Server{
		Net:           "tcp-tls",
		Listener:      ln,
		Handler:       s,
		MaxTCPQueries: 2048,
	}

	return dnsService("tcp-tls", server), nil
}

func (s *Server) listenDOQ(tlsConfig *tls.Config) (service, error) {
	server := &doq.Server{
		Addr:      s.doqAddr,
		Handler:   s,
		TLSConfig: tlsConfig,
	}

	if err := server.Listen(); err != nil {
		return service{}, fmt.Errorf("could not bind doq %s: %w", s.doqAddr, err)
	}

	s.setAddr("doq", server.LocalAddr())
	zlog.Info("DNS server listening...", "net", "doq", "addr", server.LocalAddr())

	return service{
		proto:    "doq",
		serve:    server.Serve,
		shutdown: server.Shutdown,
		release:  func() { _ = server.Shutdown(context.Background()) },
	}, nil
}

func (s *Server) listenDOH(tlsConfig *tls.Config) (service, error) {
	ln, err := net.Listen("tcp", s.dohAddr)
	if err != nil {
		return service{}, fmt.Errorf("could not bind doh %s: %w", s.dohAddr, err)
	}

	s.setAddr("doh", ln.Addr().String())
	zlog.Info("DNS server listening...", "net", "https", "addr", ln.Addr().String())

	logReader, logWriter := io.Pipe()
	go readlogs(logReader)

	mux := http.NewServeMux()
	mux.Handle("/dns-query", s)

	srv := &http.Server{
		Handler:      mux,
		TLSConfig:    tlsConfig,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorLog:     l.New(logWriter, "", 0),
	}

	return service{
		proto: "doh",
		serve: func() error {
			defer logWriter.Close()

			if err := srv.ServeTLS(ln, "", ""); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		shutdown: srv.Shutdown,
		release: func() {
			_ = ln.Close()
			_ = logWriter.Close()
		},
	}, nil
}

func dnsService(proto string, server *dns.Server) service {
	started := make(chan struct{})
	done := make(chan struct{})

	server.NotifyStartedFunc = func() { close(started) }

	return service{
		proto: proto,
		serve: func() error {
			defer close(done)
			return server.ActivateAndServe()
		},
		shutdown: func(ctx context.Context) error {
			select {
			case <-started:
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}

			return server.ShutdownContext(ctx)
		},
		release: func() {
			if server.Listener != nil {
				_ = server.Listener.Close()
			}
			if server.PacketConn != nil {
				_ = server.PacketConn.Close()
			}
		},
	}
}

func readlogs(rd io.Reader) {
	buf := bufio.NewReader(rd)
	for {
		line, err := buf.ReadBytes('\n')
		if err != nil {
			return
		}

		parts := strings.SplitN(strings.TrimSuffix(string(line), "\n"), " ", 2)
		if len(parts) > 1 {
			zlog.Warn("Client http socket failed", "net", "https", "error", parts[1])
		}
	}
}

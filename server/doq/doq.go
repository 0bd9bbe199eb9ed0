// Package doq serves DNS over dedicated QUIC connections (RFC 9250).
package doq

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/semihalev/zlog/v2"
)

var doqProtos = []string{"doq", "doq-i02", "dq", "doq-i00", "doq-i01", "doq-i11"}

const (
	minMsgHeaderSize = 14 // fixed msg header size 12 + quic prefix size 2
	maxMsgSize       = 65535

	// ProtocolError closes a connection that sent an invalid message.
	ProtocolError = 0x2
	// NoError closes a connection normally.
	NoError = 0x0
)

// Server implements DNS-over-QUIC server
type Server struct {
	Addr    string
	Handler dns.Handler

	// TLSConfig must carry a certificate source. NextProtos and the
	// minimum version are set by the server.
	TLSConfig *tls.Config

	mu sync.Mutex
	ln *quic.Listener
	wg sync.WaitGroup
}

// ListenAndServe serves until the listener is closed by Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}

	return s.Serve()
}

// Listen binds the QUIC listener without serving it.
func (s *Server) Listen() error {
	if s.TLSConfig == nil {
		return errors.New("doq: tls config required")
	}

	tlsConfig := s.TLSConfig.Clone()
	tlsConfig.NextProtos = doqProtos
	tlsConfig.MinVersion = tls.VersionTLS13

	quicConfig := &quic.Config{
		MaxIdleTimeout:         5 * time.Second,
		MaxStreamReceiveWindow: maxMsgSize,
		KeepAlivePeriod:        30 * time.Second,
	}

	listener, err := quic.ListenAddr(s.Addr, tlsConfig, quicConfig)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = listener
	s.mu.Unlock()

	return nil
}

// Serve accepts connections on the bound listener.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.ln
	s.mu.Unlock()

	if listener == nil {
		return errors.New("doq: not listening")
	}

	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting connections and waits for the streams being
// served, or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil && !errors.Is(err, quic.ErrServerClosed) {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalAddr returns the bound address once listening.
func (s *Server) LocalAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) handleConnection(conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			zlog.Debug("Failed to accept stream", "error", err.Error())
			_ = conn.CloseWithError(NoError, "")
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(conn, stream)
		}()
	}
}

func (s *Server) handleStream(conn *quic.Conn, stream *quic.Stream) {
	defer stream.Close()

	buf, err := io.ReadAll(io.LimitReader(stream, maxMsgSize))
	if err != nil {
		zlog.Debug("Failed to read stream", "error", err.Error())
		return
	}

	if len(buf) < minMsgHeaderSize {
		zlog.Debug("Message too small", "size", len(buf))
		_ = conn.CloseWithError(ProtocolError, "message too small")
		return
	}

	msgLen := binary.BigEndian.Uint16(buf[:2])
	if int(msgLen) != len(buf)-2 {
		zlog.Debug("Message length mismatch", "expected", msgLen, "actual", len(buf)-2)
		_ = conn.CloseWithError(ProtocolError, "length mismatch")
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(buf[2:]); err != nil {
		zlog.Debug("Failed to unpack DNS message", "error", err.Error())
		_ = conn.CloseWithError(ProtocolError, "invalid message")
		return
	}

	w := &ResponseWriter{Conn: conn, Stream: stream}
	s.Handler.ServeDNS(w, req)
}

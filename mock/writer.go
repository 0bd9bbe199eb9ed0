// Package mock provides a dns.ResponseWriter for handler tests.
package mock

import (
	"net"

	"github.com/miekg/dns"
)

// Writer records the last message written to it.
type Writer struct {
	msg    *dns.Msg
	writes int

	proto string

	localAddr  net.Addr
	remoteAddr net.Addr

	remoteip net.IP
}

// NewWriter return writer. proto is one of udp, tcp, tcp-tls, doh or doq.
func NewWriter(proto, addr string) *Writer {
	w := &Writer{proto: proto}

	switch proto {
	case "tcp", "tcp-tls", "doh":
		w.localAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
		w.remoteAddr, _ = net.ResolveTCPAddr("tcp", addr)
		w.remoteip = w.remoteAddr.(*net.TCPAddr).IP

	case "udp", "doq":
		w.localAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
		w.remoteAddr, _ = net.ResolveUDPAddr("udp", addr)
		w.remoteip = w.remoteAddr.(*net.UDPAddr).IP
	}

	return w
}

// Rcode return message response code
func (w *Writer) Rcode() int {
	if w.msg == nil {
		return dns.RcodeServerFailure
	}

	return w.msg.Rcode
}

// Msg return current dns message
func (w *Writer) Msg() *dns.Msg {
	return w.msg
}

// Writes returns how many messages were written.
func (w *Writer) Writes() int { return w.writes }

// Write func
func (w *Writer) Write(b []byte) (int, error) {
	msg := new(dns.Msg)
	err := msg.Unpack(b)
	if err != nil {
		return 0, err
	}
	w.msg = msg
	w.writes++
	return len(b), nil
}

// WriteMsg func
func (w *Writer) WriteMsg(msg *dns.Msg) error {
	w.msg = msg
	w.writes++
	return nil
}

// Written func
func (w *Writer) Written() bool {
	return w.msg != nil
}

// RemoteIP func
func (w *Writer) RemoteIP() net.IP { return w.remoteip }

// Proto func
func (w *Writer) Proto() string { return w.proto }

// Reset func
func (w *Writer) Reset(rw dns.ResponseWriter) {}

// Close func
func (w *Writer) Close() error { return nil }

// Hijack func
func (w *Writer) Hijack() {}

// LocalAddr func
func (w *Writer) LocalAddr() net.Addr { return w.localAddr }

// RemoteAddr func
func (w *Writer) RemoteAddr() net.Addr { return w.remoteAddr }

// TsigStatus func
func (w *Writer) TsigStatus() error { return nil }

// TsigTimersOnly func
func (w *Writer) TsigTimersOnly(ok bool) {}

// Internal reports whether the remote address is the internal one.
func (w *Writer) Internal() bool {
	return w.remoteAddr != nil && w.remoteAddr.String() == "127.0.0.255:0"
}

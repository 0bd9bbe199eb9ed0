package doq

import (
	"encoding/binary"
	"net"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// ResponseWriter writes one reply to a DoQ stream.
type ResponseWriter struct {
	dns.ResponseWriter

	Conn   *quic.Conn
	Stream *quic.Stream
}

// LocalAddr implements dns.ResponseWriter.
func (w *ResponseWriter) LocalAddr() net.Addr {
	return w.Conn.LocalAddr()
}

// RemoteAddr implements dns.ResponseWriter.
func (w *ResponseWriter) RemoteAddr() net.Addr {
	return w.Conn.RemoteAddr()
}

// Close implements dns.ResponseWriter.
func (w *ResponseWriter) Close() error {
	return w.Stream.Close()
}

// Write implements dns.ResponseWriter.
func (w *ResponseWriter) Write(m []byte) (int, error) {
	return w.Stream.Write(addPrefixLen(m))
}

// WriteMsg implements dns.ResponseWriter. DoQ messages always carry id 0.
func (w *ResponseWriter) WriteMsg(m *dns.Msg) error {
	m.Id = 0

	packed, err := m.Pack()
	if err != nil {
		_ = w.Conn.CloseWithError(0x1, err.Error())
		return err
	}

	_, err = w.Stream.Write(addPrefixLen(packed))
	return err
}

func addPrefixLen(msg []byte) (buf []byte) {
	buf = make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)

	return buf
}

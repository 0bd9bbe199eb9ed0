package doq

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dummyHandler struct{}

func (h *dummyHandler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)

	rr, _ := dns.NewRR("laptop.home.arpa. 60 IN A 10.0.0.5")
	msg.Answer = append(msg.Answer, rr)

	_ = w.WriteMsg(msg)
}

func testCertificate(t *testing.T) tls.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"meshns test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func startServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		Addr:      "127.0.0.1:0",
		Handler:   &dummyHandler{},
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{testCertificate(t)}},
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	require.Eventually(t, func() bool { return s.LocalAddr() != "" }, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		assert.NoError(t, s.Shutdown(ctx))
		assert.NoError(t, <-errCh)
	})

	return s
}

func dial(t *testing.T, addr string) *quic.Conn {
	t.Helper()

	conn, err := quic.DialAddr(context.Background(), addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"doq"},
	}, nil)
	require.NoError(t, err)

	return conn
}

func Test_doq(t *testing.T) {
	s := startServer(t)
	conn := dial(t, s.LocalAddr())
	defer conn.CloseWithError(NoError, "")

	stream, err := conn.OpenStreamSync(context.Background())
	require.NoError(t, err)

	req := new(dns.Msg)
	req.SetQuestion("laptop.home.arpa.", dns.TypeA)
	req.Id = 0

	buf, err := req.Pack()
	require.NoError(t, err)

	_, err = stream.Write(addPrefixLen(buf))
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Greater(t, len(data), 2)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(data[2:]))
	assert.Equal(t, uint16(0), msg.Id)
	require.Len(t, msg.Answer, 1)
	assert.Equal(t, "10.0.0.5", msg.Answer[0].(*dns.A).A.String())
}

func Test_doqInvalid(t *testing.T) {
	s := startServer(t)

	conn := dial(t, s.LocalAddr())
	stream, err := conn.OpenStreamSync(context.Background())
	require.NoError(t, err)

	_, err = stream.Write([]byte{0, 0})
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	// the server drops the connection without a reply
	_, err = io.ReadAll(stream)
	assert.Error(t, err)

	conn = dial(t, s.LocalAddr())
	stream, err = conn.OpenStreamSync(context.Background())
	require.NoError(t, err)

	// a message without length prefix
	msg := new(dns.Msg)
	msg.SetQuestion("laptop.home.arpa.", dns.TypeA)
	msg.Id = 0xffff
	buf, _ := msg.Pack()

	_, err = stream.Write(buf)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	_, err = io.ReadAll(stream)
	assert.Error(t, err)
}

func Test_doqNoTLS(t *testing.T) {
	s := &Server{Addr: "127.0.0.1:0", Handler: &dummyHandler{}}
	assert.Error(t, s.ListenAndServe())
	assert.NoError(t, s.Shutdown(context.Background()))
}

func Test_doqServeBeforeListen(t *testing.T) {
	s := &Server{Addr: "127.0.0.1:0", Handler: &dummyHandler{}}
	assert.Error(t, s.Serve())
}

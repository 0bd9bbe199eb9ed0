package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/middleware"
)

type protoHandler struct{}

func (h *protoHandler) Name() string { return "proto" }

// ServeDNS answers with the transport the query arrived on.
func (h *protoHandler) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	msg := new(dns.Msg)
	msg.SetReply(ch.Request)

	rr, _ := dns.NewRR(`laptop.home.arpa. 60 IN TXT "` + ch.Writer.Proto() + `"`)
	msg.Answer = append(msg.Answer, rr)

	_ = ch.Writer.WriteMsg(msg)
	ch.Cancel()
}

func TestMain(m *testing.M) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(zlog.LevelDebug)
	zlog.SetDefault(logger)

	middleware.Register("proto", func(*config.Config) middleware.Handler { return &protoHandler{} })
	if err := middleware.Setup(&config.Config{}); err != nil {
		panic(err)
	}

	os.Exit(m.Run())
}

func testCertificate(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "meshns.crt")
	keyPath := filepath.Join(dir, "meshns.key")

	cert, key := generateTestCert(t, "ns.home.arpa")
	writeCertAndKey(t, certPath, keyPath, cert, key)

	return certPath, keyPath
}

func txt(t *testing.T, msg *dns.Msg) string {
	t.Helper()

	require.NotNil(t, msg)
	require.Len(t, msg.Answer, 1)

	return msg.Answer[0].(*dns.TXT).Txt[0]
}

func question() *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion("laptop.home.arpa.", dns.TypeTXT)
	return req
}

func TestServerRun(t *testing.T) {
	certPath, keyPath := testCertificate(t)

	cfg := &config.Config{
		Bind:           "127.0.0.1:0",
		BindTLS:        "127.0.0.1:0",
		BindDOQ:        "127.0.0.1:0",
		BindDOH:        "127.0.0.1:0",
		TLSCertificate: certPath,
		TLSPrivateKey:  keyPath,
		QueryTimeout:   config.Duration{Duration: 5 * time.Second},
	}

	s := New(cfg)
	require.NotNil(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr("doh") != "" }, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, s.Addr("doq"))

	for _, network := range []string{"udp", "tcp", "tcp-tls"} {
		client := &dns.Client{
			Net:       network,
			Timeout:   2 * time.Second,
			TLSConfig: &tls.Config{InsecureSkipVerify: true},
		}

		var (
			resp *dns.Msg
			err  error
		)

		// the accept loops start right after Run binds
		require.Eventually(t, func() bool {
			resp, _, err = client.Exchange(question(), s.Addr(network))
			return err == nil
		}, 5*time.Second, 50*time.Millisecond, network)

		assert.Equal(t, network, txt(t, resp))
	}

	data, err := question().Pack()
	require.NoError(t, err)

	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}

	resp, err := client.Post("https://"+s.Addr("doh")+"/dns-query", "application/dns-message", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(body))
	assert.Equal(t, "doh", txt(t, msg))

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := New(&config.Config{Bind: ln.Addr().String()})

	err = s.Run(context.Background())
	assert.Error(t, err)
}

func TestServerMissingCertificate(t *testing.T) {
	s := New(&config.Config{
		Bind:           "127.0.0.1:0",
		BindTLS:        "127.0.0.1:0",
		TLSCertificate: "/nonexistent/cert.pem",
		TLSPrivateKey:  "/nonexistent/key.pem",
	})

	err := s.Run(context.Background())
	assert.Error(t, err)

	s = New(&config.Config{Bind: "127.0.0.1:0", BindDOQ: "127.0.0.1:0"})
	assert.Error(t, s.Run(context.Background()))
}

func TestServerPlainOnly(t *testing.T) {
	s := New(&config.Config{Bind: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr("tcp") != "" }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.Addr("tcp-tls"))
	assert.Empty(t, s.Addr("doq"))

	cancel()
	assert.NoError(t, <-errCh)
}

func TestServeHTTP(t *testing.T) {
	s := New(&config.Config{})

	data, err := question().Pack()
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(data))
	request.Header.Set("Content-Type", "application/dns-message")

	w := httptest.NewRecorder()
	s.ServeHTTP(w, request)

	require.Equal(t, http.StatusOK, w.Code)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(w.Body.Bytes()))
	assert.Equal(t, "doh", txt(t, msg))
}

func TestServeDNSDefaults(t *testing.T) {
	s := New(&config.Config{})
	assert.Equal(t, ":53", s.addr)
	assert.Equal(t, 5*time.Second, s.queryTimeout)
}

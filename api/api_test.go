package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/semihalev/zlog/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/directory"
	"github.com/meshns/meshns/middleware"
	"github.com/meshns/meshns/middleware/authority"
	"github.com/meshns/meshns/updater"
	"github.com/meshns/meshns/zone"
)

var testStore *zone.Store

type fakeSyncer struct {
	err   error
	calls int
}

func (f *fakeSyncer) Sync(ctx context.Context) error {
	f.calls++
	return f.err
}

func (f *fakeSyncer) Status() updater.Status {
	return updater.Status{Network: "8056c2e21c000001", State: "idle", Members: 1, Names: 2}
}

func TestMain(m *testing.M) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(zlog.LevelDebug)
	zlog.SetDefault(logger)

	gin.SetMode(gin.TestMode)

	_, route, _ := net.ParseCIDR("10.0.0.0/24")
	roster := &directory.Roster{
		Network: directory.Network{ID: "8056c2e21c000001", Routes: []*net.IPNet{route}},
		Members: []directory.Member{
			{ID: "abc123", Name: "laptop", Addresses: []string{"10.0.0.5"}, Authorized: true, DNSEnabled: true},
		},
	}
	testStore = zone.NewStore(zone.Build(roster, nil, zone.Options{Origin: "home.arpa.", TTL: 60}))

	middleware.Register("authority", func(*config.Config) middleware.Handler {
		return authority.NewWithStore(testStore)
	})
	if err := middleware.Setup(&config.Config{}); err != nil {
		panic(err)
	}

	os.Exit(m.Run())
}

func Test_AllAPICalls(t *testing.T) {
	debugpprof = true
	defer func() { debugpprof = false }()

	a := New(&config.Config{}, testStore, &fakeSyncer{})

	routes := []struct {
		Method         string
		ReqURL         string
		ExpectedStatus int
	}{
		{"GET", "/api/v1/zone", http.StatusOK},
		{"GET", "/api/v1/status", http.StatusOK},
		{"POST", "/api/v1/sync", http.StatusOK},
		{"GET", "/api/v1/sync", http.StatusNotFound},
		{"GET", "/api/v1/lookup/laptop.home.arpa/A", http.StatusOK},
		{"GET", "/api/v1/lookup/laptop.home.arpa/BOGUS", http.StatusBadRequest},
		{"GET", "/metrics", http.StatusOK},
		{"GET", "/debug/pprof/", http.StatusOK},
		{"GET", "/debug/pprof/heap", http.StatusOK},
	}

	for _, r := range routes {
		w := httptest.NewRecorder()
		request, _ := http.NewRequest(r.Method, r.ReqURL, nil)
		a.Handler().ServeHTTP(w, request)

		assert.Equal(t, r.ExpectedStatus, w.Code, r.Method+" "+r.ReqURL)
	}
}

func Test_zone(t *testing.T) {
	a := New(&config.Config{}, testStore, &fakeSyncer{})

	w := httptest.NewRecorder()
	request, _ := http.NewRequest("GET", "/api/v1/zone", nil)
	a.Handler().ServeHTTP(w, request)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Origin   string   `json:"origin"`
		Serial   uint32   `json:"serial"`
		Networks []string `json:"networks"`
		Records  []string `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, "home.arpa.", body.Origin)
	assert.Equal(t, testStore.Load().Serial(), body.Serial)
	assert.Equal(t, []string{"10.0.0.0/24"}, body.Networks)

	found := false
	for _, rr := range body.Records {
		if strings.HasPrefix(rr, "laptop.home.arpa.") && strings.Contains(rr, "10.0.0.5") {
			found = true
		}
	}
	assert.True(t, found, "laptop record missing")
}

func Test_lookup(t *testing.T) {
	a := New(&config.Config{}, testStore, &fakeSyncer{})

	w := httptest.NewRecorder()
	request, _ := http.NewRequest("GET", "/api/v1/lookup/LAPTOP.home.arpa/a", nil)
	a.Handler().ServeHTTP(w, request)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Rcode         string   `json:"rcode"`
		Authoritative bool     `json:"authoritative"`
		Answer        []string `json:"answer"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, "NOERROR", body.Rcode)
	assert.True(t, body.Authoritative)
	require.Len(t, body.Answer, 1)
	assert.Contains(t, body.Answer[0], "10.0.0.5")

	w = httptest.NewRecorder()
	request, _ = http.NewRequest("GET", "/api/v1/lookup/ghost.home.arpa/A", nil)
	a.Handler().ServeHTTP(w, request)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NXDOMAIN", body.Rcode)
}

func Test_sync(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"busy", updater.ErrBusy, http.StatusConflict},
		{"failed", errors.New("central unreachable"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSyncer{err: tt.err}
			a := New(&config.Config{}, testStore, s)

			w := httptest.NewRecorder()
			request, _ := http.NewRequest("POST", "/api/v1/sync", nil)
			a.Handler().ServeHTTP(w, request)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, 1, s.calls)
		})
	}
}

func Test_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	a := New(&config.Config{API: "127.0.0.1:0"}, testStore, &fakeSyncer{})

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("api did not stop")
	}
}

func Test_RunDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(&config.Config{}, testStore, &fakeSyncer{})
	assert.NoError(t, a.Run(ctx))
}

func Test_RunBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	a := New(&config.Config{API: ln.Addr().String()}, testStore, &fakeSyncer{})
	assert.Error(t, a.Run(context.Background()))
}

package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultCentralURL is the public central API.
const DefaultCentralURL = "https://my.zerotier.com/api/v1"

const maxBodySize = 32 << 20

// Central talks to a central style REST directory.
type Central struct {
	baseURL   string
	token     string
	userAgent string

	client *http.Client
}

type centralMember struct {
	NodeID    string `json:"nodeId"`
	NetworkID string `json:"networkId"`
	Name      string `json:"name"`
	Hidden    bool   `json:"hidden"`
	Config    *struct {
		Authorized    bool     `json:"authorized"`
		IPAssignments []string `json:"ipAssignments"`
	} `json:"config"`
}

type centralDNS struct {
	Domain  string   `json:"domain"`
	Servers []string `json:"servers"`
}

type centralNetwork struct {
	ID     string `json:"id"`
	Config struct {
		Routes []struct {
			Target string  `json:"target"`
			Via    *string `json:"via"`
		} `json:"routes"`
		V6AssignMode struct {
			SixPlane bool `json:"6plane"`
			RFC4193  bool `json:"rfc4193"`
		} `json:"v6AssignMode"`
		DNS *centralDNS `json:"dns,omitempty"`
	} `json:"config"`
}

// NewCentral returns a central client. An empty token is resolved from
// tokenFile and then from the MESHNS_TOKEN environment variable.
func NewCentral(baseURL, token, tokenFile, version string) (*Central, error) {
	if baseURL == "" {
		baseURL = DefaultCentralURL
	}

	if token == "" && tokenFile != "" {
		data, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("could not load token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	if token == "" {
		token = os.Getenv("MESHNS_TOKEN")
	}

	if token == "" {
		return nil, errors.New("missing central token: set MESHNS_TOKEN in environment, or configure token or tokenfile")
	}

	return &Central{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		token:     token,
		userAgent: "meshns/" + version,
		client:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Roster implements Directory.
func (c *Central) Roster(ctx context.Context, network string) (*Roster, error) {
	var (
		nw      centralNetwork
		members []centralMember
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.get(ctx, "/network/"+network, &nw)
	})

	g.Go(func() error {
		return c.get(ctx, "/network/"+network+"/member", &members)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	roster := &Roster{
		Network: Network{
			ID:       nw.ID,
			SixPlane: nw.Config.V6AssignMode.SixPlane,
			RFC4193:  nw.Config.V6AssignMode.RFC4193,
		},
	}

	if roster.Network.ID == "" {
		roster.Network.ID = network
	}

	for _, route := range nw.Config.Routes {
		if route.Via != nil && *route.Via != "" {
			continue
		}

		_, ipnet, err := net.ParseCIDR(route.Target)
		if err != nil {
			zlog.Warn("Skipping malformed network route", "network", network, "route", route.Target)
			continue
		}
		roster.Network.Routes = append(roster.Network.Routes, ipnet)
	}

	if roster.Network.RFC4193 {
		if ipnet, err := RFC4193Network(roster.Network.ID); err == nil {
			roster.Network.Routes = append(roster.Network.Routes, ipnet)
		} else {
			zlog.Warn("RFC4193 network prefix calculation failed", "network", network, "error", err.Error())
		}
	}

	for _, m := range members {
		member, ok := c.member(roster.Network, m)
		if !ok {
			continue
		}
		roster.Members = append(roster.Members, member)
	}

	return roster, nil
}

func (c *Central) member(nw Network, m centralMember) (Member, bool) {
	if m.NodeID == "" || m.Config == nil {
		zlog.Warn("Skipping malformed member", "network", nw.ID, "node", m.NodeID)
		return Member{}, false
	}

	member := Member{
		ID:         strings.ToLower(m.NodeID),
		Name:       m.Name,
		Addresses:  append([]string(nil), m.Config.IPAssignments...),
		Authorized: m.Config.Authorized,
		DNSEnabled: !m.Hidden,
	}

	if nw.SixPlane {
		if ip, err := SixPlane(nw.ID, member.ID); err == nil {
			member.Addresses = append(member.Addresses, ip.String())
		} else {
			zlog.Warn("6PLANE address calculation failed", "node", member.ID, "error", err.Error())
		}
	}

	if nw.RFC4193 {
		if ip, err := RFC4193(nw.ID, member.ID); err == nil {
			member.Addresses = append(member.Addresses, ip.String())
		} else {
			zlog.Warn("RFC4193 address calculation failed", "node", member.ID, "error", err.Error())
		}
	}

	return member, true
}

// PushResolver implements Directory.
func (c *Central) PushResolver(ctx context.Context, network string, resolver Resolver) error {
	var body struct {
		Config struct {
			DNS centralDNS `json:"dns"`
		} `json:"config"`
	}

	body.Config.DNS = centralDNS{
		Domain:  strings.TrimSuffix(resolver.Domain, "."),
		Servers: resolver.Servers,
	}

	data, err := json.Marshal(&body)
	if err != nil {
		return &PushError{Err: err}
	}

	req, err := c.request(ctx, http.MethodPost, "/network/"+network, bytes.NewReader(data))
	if err != nil {
		return &PushError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &PushError{Err: err}
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	if resp.StatusCode/100 != 2 {
		return &PushError{Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	return nil
}

func (c *Central) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	return req, nil
}

func (c *Central) get(ctx context.Context, path string, v any) error {
	req, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return newFetchError(ErrTransport, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return newFetchError(ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return newFetchError(ErrUnauthorized, fmt.Errorf("%s returned %s", path, resp.Status))
	case resp.StatusCode == http.StatusNotFound:
		return newFetchError(ErrNotFound, fmt.Errorf("%s returned %s", path, resp.Status))
	case resp.StatusCode/100 != 2:
		return newFetchError(ErrTransport, fmt.Errorf("%s returned %s", path, resp.Status))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(v); err != nil {
		return newFetchError(ErrMalformed, err)
	}

	return nil
}

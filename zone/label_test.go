package zone

import (
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshns/meshns/directory"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"laptop", "laptop"},
		{"Erik's MacBook Pro", "erik-s-macbook-pro"},
		{"  spaced  out  ", "spaced-out"},
		{"under_score.dot", "under-score-dot"},
		{"--edge--", "edge"},
		{"日本", ""},
		{"*", ""},
		{"", ""},
		{strings.Repeat("a", 62) + "-b", strings.Repeat("a", 62)},
		{strings.Repeat("x", 80), strings.Repeat("x", 63)},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.out, Sanitize(tt.in), "input %q", tt.in)
	}
}

func TestNameLabel(t *testing.T) {
	_, ok := NameLabel("localhost")
	assert.False(t, ok)

	_, ok = NameLabel("ZT-abcdef0123")
	assert.False(t, ok)

	_, ok = NameLabel("!!!")
	assert.False(t, ok)

	label, ok := NameLabel("Living Room TV")
	assert.True(t, ok)
	assert.Equal(t, "living-room-tv", label)

	assert.Equal(t, "zt-efcc1b0947", IdentifierLabel("EFCC1B0947"))
}

func TestCandidates(t *testing.T) {
	m := directory.Member{
		ID:         "abc123",
		Name:       "Laptop",
		Addresses:  []string{"10.0.0.5", "fd00::5", "bogus", "10.0.0.5/24", "10.0.0.5"},
		Authorized: true,
		DNSEnabled: true,
	}

	candidates := Candidates(m, "home.arpa.")
	require.Len(t, candidates, 4)

	assert.Equal(t, Candidate{"zt-abc123.home.arpa.", KindIdentifier, dns.TypeA, candidates[0].IP}, candidates[0])
	assert.Equal(t, "10.0.0.5", candidates[0].IP.String())
	assert.Equal(t, dns.TypeAAAA, candidates[1].Rrtype)
	assert.Equal(t, "laptop.home.arpa.", candidates[2].Name)
	assert.Equal(t, KindName, candidates[3].Kind)

	m.Name = ""
	assert.Len(t, Candidates(m, "home.arpa."), 2)

	m.Authorized = false
	assert.Empty(t, Candidates(m, "home.arpa."))

	m.Authorized, m.DNSEnabled = true, false
	assert.Empty(t, Candidates(m, "home.arpa."))

	m.DNSEnabled, m.Addresses = true, nil
	assert.Empty(t, Candidates(m, "home.arpa."))
}

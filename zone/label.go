package zone

import (
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/meshns/meshns/directory"
)

// IdentifierPrefix starts every identifier derived label. Names starting
// with it are reserved.
const IdentifierPrefix = "zt-"

const maxLabelLen = 63

// LabelKind tells where a label came from.
type LabelKind uint8

const (
	// KindIdentifier labels are derived from the member identifier.
	KindIdentifier LabelKind = iota
	// KindName labels are derived from the member's human name.
	KindName
)

// Candidate is one record a member asks for.
type Candidate struct {
	Name   string
	Kind   LabelKind
	Rrtype uint16
	IP     net.IP
}

type ownerName struct {
	name string
	kind LabelKind
}

var reservedLabels = map[string]struct{}{
	"localhost": {},
	"*":         {},
}

// Sanitize turns a free form name into a DNS label. It returns an empty
// string when nothing usable remains.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}

	label := strings.Trim(b.String(), "-")
	if len(label) > maxLabelLen {
		label = strings.TrimRight(label[:maxLabelLen], "-")
	}

	return label
}

// Reserved reports whether a label can not be claimed by a member name.
func Reserved(label string) bool {
	if _, ok := reservedLabels[label]; ok {
		return true
	}
	return strings.HasPrefix(label, IdentifierPrefix)
}

// IdentifierLabel returns the label derived from a member identifier.
func IdentifierLabel(id string) string {
	return Sanitize(IdentifierPrefix + id)
}

// NameLabel returns the label derived from a member name, false if the
// name does not produce one.
func NameLabel(name string) (string, bool) {
	label := Sanitize(name)
	if label == "" || Reserved(label) {
		return "", false
	}
	return label, true
}

// Eligible reports whether a member is named at all.
func Eligible(m directory.Member) bool {
	return m.Authorized && m.DNSEnabled && m.ID != ""
}

// Candidates applies the naming policy to one member. The identifier
// candidates always come before the name candidates.
func Candidates(m directory.Member, origin string) []Candidate {
	if !Eligible(m) {
		return nil
	}

	ips := memberIPs(m)
	if len(ips) == 0 {
		return nil
	}

	names := []ownerName{{IdentifierLabel(m.ID) + "." + origin, KindIdentifier}}

	if label, ok := NameLabel(m.Name); ok {
		names = append(names, ownerName{label + "." + origin, KindName})
	}

	candidates := make([]Candidate, 0, len(names)*len(ips))
	for _, n := range names {
		for _, ip := range ips {
			candidates = append(candidates, Candidate{
				Name:   n.name,
				Kind:   n.kind,
				Rrtype: rrtype(ip),
				IP:     ip,
			})
		}
	}

	return candidates
}

func memberIPs(m directory.Member) []net.IP {
	ips := make([]net.IP, 0, len(m.Addresses))

	seen := make(map[string]struct{}, len(m.Addresses))
	for _, addr := range m.Addresses {
		ip := parseIP(addr)
		if ip == nil {
			zlog.Warn("Skipping malformed member address", "member", m.ID, "address", addr)
			continue
		}

		key := ip.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		ips = append(ips, ip)
	}

	return ips
}

func parseIP(addr string) net.IP {
	if i := strings.Index(addr, "%"); i >= 0 {
		addr = addr[:i]
	}

	// some directories report assignments in CIDR form
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}

	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return nil
	}

	if v4 := ip.To4(); v4 != nil {
		return v4
	}

	return ip
}

func rrtype(ip net.IP) uint16 {
	if ip.To4() != nil {
		return dns.TypeA
	}
	return dns.TypeAAAA
}

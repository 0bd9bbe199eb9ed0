package zone

import (
	"net"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/directory"
	"github.com/meshns/meshns/hostsfile"
)

// Options configure a zone build. They are read only after startup.
type Options struct {
	// Origin is the fully qualified TLD, e.g. "home.arpa.".
	Origin string
	TTL    uint32

	Wildcard bool

	// Nameserver, when set, is served as the apex NS and SOA mname.
	Nameserver string
}

// OptionsFrom returns the zone options configured in cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Origin:     cfg.Domain,
		TTL:        cfg.TTL,
		Wildcard:   cfg.Wildcard,
		Nameserver: cfg.Nameserver,
	}
}

// Build derives a zone from a roster and static host entries. A nil
// roster builds a zone from the static entries alone. The same input
// always builds the same zone.
func Build(roster *directory.Roster, static []hostsfile.Entry, opts Options) *Zone {
	opts.Origin = strings.ToLower(dns.Fqdn(opts.Origin))

	z := newZone(opts)
	b := &builder{zone: z, claims: make(map[string]int)}

	if roster != nil {
		b.networks(roster.Network.Routes)
		b.members(roster.Members)
	}

	b.static(static)

	if opts.Wildcard {
		b.wildcards()
	}

	b.apex(opts)
	b.nonterminals()

	return z
}

type builder struct {
	zone *Zone

	// claims maps an owner name to the roster index holding it.
	claims map[string]int

	// ptrs maps a reverse name to whether a static entry set it.
	ptrs map[string]bool

	// idents maps a member reverse name to the member's identifier label.
	idents map[string]string
}

func (b *builder) networks(routes []*net.IPNet) {
	seen := make(map[string]struct{}, len(routes))

	for _, route := range routes {
		if route == nil {
			continue
		}

		key := route.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		if err := b.zone.reverse.Insert(cidranger.NewBasicRangerEntry(*route)); err != nil {
			zlog.Warn("Skipping reverse network", "network", key, "error", err.Error())
			continue
		}
		b.zone.nets = append(b.zone.nets, route)
	}
}

func (b *builder) members(members []directory.Member) {
	byMember := make([][]Candidate, len(members))

	// identifier labels first, they can never be displaced by a name
	for i, m := range members {
		byMember[i] = Candidates(m, b.zone.origin)

		for _, c := range byMember[i] {
			if c.Kind != KindIdentifier {
				continue
			}

			if owner, ok := b.claims[c.Name]; ok && owner != i {
				zlog.Warn("Duplicate member identifier", "member", m.ID, "name", c.Name)
				byMember[i] = nil
				break
			}

			b.claims[c.Name] = i
			b.address(c.Name, c.IP)
		}
	}

	preferred := make([]string, len(members))

	for i, m := range members {
		dropped := false

		for _, c := range byMember[i] {
			if c.Kind == KindIdentifier {
				if preferred[i] == "" {
					preferred[i] = c.Name
				}
				continue
			}

			if owner, ok := b.claims[c.Name]; ok && owner != i {
				if !dropped {
					dropped = true
					zlog.Warn("Member name collides, keeping the first member", "name", c.Name,
						"member", m.ID, "owner", members[owner].ID)
				}
				continue
			}

			b.claims[c.Name] = i
			b.address(c.Name, c.IP)
			preferred[i] = c.Name
		}
	}

	for i := range members {
		for _, c := range byMember[i] {
			if c.Kind != KindIdentifier {
				continue
			}
			if arpa := b.pointer(c.IP, preferred[i], false); arpa != "" {
				if b.idents == nil {
					b.idents = make(map[string]string)
				}
				b.idents[arpa] = c.Name
			}
		}
	}
}

func (b *builder) static(entries []hostsfile.Entry) {
	overridden := make(map[string]struct{})

	for _, entry := range entries {
		ip := entry.IP.To16()
		if ip == nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}

		var first string

		for _, host := range entry.Names {
			name, ok := b.staticName(host)
			if !ok {
				zlog.Warn("Skipping static host outside of the zone", "host", host, "zone", b.zone.origin)
				continue
			}

			if _, ok := overridden[name]; !ok {
				overridden[name] = struct{}{}
				if b.zone.has(name) {
					zlog.Debug("Static host overrides member records", "name", name)
				}
				delete(b.zone.names, name)
			}

			b.address(name, ip)

			if first == "" {
				first = name
			}
		}

		if first != "" {
			b.pointer(ip, first, true)
		}
	}

	b.repoint(overridden)
}

// repoint moves member pointers off names taken over by static entries,
// back to the member identifier label.
func (b *builder) repoint(overridden map[string]struct{}) {
	for arpa, ident := range b.idents {
		if b.ptrs[arpa] {
			continue
		}

		for _, rr := range b.zone.names[arpa][dns.TypePTR] {
			ptr := rr.(*dns.PTR)
			if _, ok := overridden[ptr.Ptr]; !ok {
				continue
			}

			if _, ok := overridden[ident]; ok {
				b.zone.remove(arpa, dns.TypePTR)
				break
			}
			ptr.Ptr = ident
		}
	}
}

func (b *builder) staticName(host string) (string, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" || host == "." {
		return "", false
	}

	name := dns.Fqdn(host)
	if dns.IsSubDomain(b.zone.origin, name) {
		return name, name != b.zone.origin
	}

	if strings.HasSuffix(host, ".") {
		return "", false
	}

	return host + "." + b.zone.origin, true
}

// wildcards registers *.<label> for every top level label owning addresses.
func (b *builder) wildcards() {
	depth := dns.CountLabel(b.zone.origin) + 1

	for _, name := range b.zone.sortedNames() {
		if dns.CountLabel(name) != depth || strings.HasPrefix(name, "*.") {
			continue
		}

		wildcard := "*." + name
		if b.zone.has(wildcard) {
			continue
		}

		sets := b.zone.names[name]
		for _, rrtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			for _, rr := range sets[rrtype] {
				rr = dns.Copy(rr)
				rr.Header().Name = wildcard
				b.zone.add(rr)
			}
		}
	}
}

// nonterminals records the empty names between the origin and the owner
// names below it.
func (b *builder) nonterminals() {
	z := b.zone

	for name := range z.names {
		if !dns.IsSubDomain(z.origin, name) {
			continue
		}

		for p := parent(name); p != "" && p != z.origin && dns.IsSubDomain(z.origin, p); p = parent(p) {
			if z.has(p) {
				continue
			}
			z.ents[p] = struct{}{}
		}
	}
}

func (b *builder) apex(opts Options) {
	z := b.zone

	mname := z.origin
	if opts.Nameserver != "" {
		mname = strings.ToLower(dns.Fqdn(opts.Nameserver))

		z.add(&dns.NS{
			Hdr: b.header(z.origin, dns.TypeNS),
			Ns:  mname,
		})
	}

	z.serial = fingerprint(z.Records())

	z.add(&dns.SOA{
		Hdr:     b.header(z.origin, dns.TypeSOA),
		Ns:      mname,
		Mbox:    "administrator." + z.origin,
		Serial:  z.serial,
		Refresh: soaRefresh,
		Retry:   soaRetry,
		Expire:  soaExpire,
		Minttl:  z.ttl,
	})
}

func (b *builder) address(name string, ip net.IP) {
	if v4 := ip.To4(); v4 != nil {
		b.zone.add(&dns.A{Hdr: b.header(name, dns.TypeA), A: v4})
		return
	}

	b.zone.add(&dns.AAAA{Hdr: b.header(name, dns.TypeAAAA), AAAA: ip})
}

// pointer adds a PTR record for addresses inside the reverse networks.
// Static pointers replace member pointers of the same address. It returns
// the reverse name when a pointer was added.
func (b *builder) pointer(ip net.IP, target string, static bool) string {
	if ok, err := b.zone.reverse.Contains(ip); err != nil || !ok {
		return ""
	}

	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return ""
	}

	if b.ptrs == nil {
		b.ptrs = make(map[string]bool)
	}

	byStatic, claimed := b.ptrs[arpa]
	switch {
	case static && !byStatic:
		b.zone.remove(arpa, dns.TypePTR)
	case !static && claimed:
		return ""
	}
	b.ptrs[arpa] = static

	b.zone.add(&dns.PTR{Hdr: b.header(arpa, dns.TypePTR), Ptr: target})

	return arpa
}

func (b *builder) header(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: b.zone.ttl}
}

// fingerprint hashes the canonical text of the records.
func fingerprint(rrs []dns.RR) uint32 {
	lines := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		lines = append(lines, rr.String())
	}
	sort.Strings(lines)

	h := xxhash.New()
	for _, line := range lines {
		_, _ = h.WriteString(line)
		_, _ = h.WriteString("\n")
	}

	return uint32(h.Sum64())
}

const (
	soaRefresh = 30
	soaRetry   = 30
	soaExpire  = 86400
)

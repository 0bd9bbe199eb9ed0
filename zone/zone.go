// Package zone builds and holds the authoritative zone served for the
// overlay members.
package zone

import (
	"net"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/yl2chen/cidranger"

	"github.com/meshns/meshns/dnsutil"
)

// Result is the outcome of a zone lookup.
type Result uint8

const (
	// Success means records of the requested type were found.
	Success Result = iota
	// NoData means the name exists without records of the requested type.
	NoData
	// NXDomain means the name does not exist.
	NXDomain
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case NoData:
		return "nodata"
	default:
		return "nxdomain"
	}
}

type rrsets map[uint16][]dns.RR

// Zone is an immutable snapshot of the authoritative records. It is never
// modified after Build returns it.
type Zone struct {
	origin   string
	ttl      uint32
	wildcard bool
	serial   uint32

	names map[string]rrsets

	// ents holds names without records that have names below them.
	ents map[string]struct{}

	reverse cidranger.Ranger
	nets    []*net.IPNet
}

func newZone(opts Options) *Zone {
	return &Zone{
		origin:   opts.Origin,
		ttl:      opts.TTL,
		wildcard: opts.Wildcard,
		names:    make(map[string]rrsets),
		ents:     make(map[string]struct{}),
		reverse:  cidranger.NewPCTrieRanger(),
	}
}

// Origin returns the apex of the zone.
func (z *Zone) Origin() string { return z.origin }

// TTL returns the ttl used for every record.
func (z *Zone) TTL() uint32 { return z.ttl }

// Serial returns the fingerprint of the record set.
func (z *Zone) Serial() uint32 { return z.serial }

// Wildcard reports whether wildcard names were generated.
func (z *Zone) Wildcard() bool { return z.wildcard }

// Networks returns the networks answered authoritatively in reverse.
func (z *Zone) Networks() []*net.IPNet { return z.nets }

// Len returns the number of owner names.
func (z *Zone) Len() int { return len(z.names) }

// Authoritative reports whether a query name belongs to this zone. Every
// other name is forwarded.
func (z *Zone) Authoritative(qname string) bool {
	qname = strings.ToLower(dns.Fqdn(qname))

	if dns.IsSubDomain(z.origin, qname) {
		return true
	}

	if dnsutil.IsReverse(qname) == 0 {
		return false
	}

	ip := net.ParseIP(dnsutil.ExtractAddressFromReverse(qname))
	if ip == nil {
		return false
	}

	ok, err := z.reverse.Contains(ip)
	return err == nil && ok
}

// Lookup answers qname and qtype from the zone. The returned records are
// copies owned by the caller.
func (z *Zone) Lookup(qname string, qtype uint16) ([]dns.RR, Result) {
	qname = strings.ToLower(dns.Fqdn(qname))

	if sets, ok := z.names[qname]; ok {
		return answer(sets, qname, qtype)
	}

	if _, ok := z.ents[qname]; ok {
		return nil, NoData
	}

	if z.wildcard && dns.IsSubDomain(z.origin, qname) {
		for name := parent(qname); name != "" && name != z.origin; name = parent(name) {
			if sets, ok := z.names["*."+name]; ok {
				return answer(sets, qname, qtype)
			}
		}
	}

	return nil, NXDomain
}

// SOA returns the start of authority record of the zone.
func (z *Zone) SOA() dns.RR {
	if sets, ok := z.names[z.origin]; ok {
		if rrs := sets[dns.TypeSOA]; len(rrs) > 0 {
			return dns.Copy(rrs[0])
		}
	}
	return nil
}

// Records returns every record in canonical order.
func (z *Zone) Records() []dns.RR {
	var rrs []dns.RR

	for _, name := range z.sortedNames() {
		sets := z.names[name]

		types := make([]int, 0, len(sets))
		for t := range sets {
			types = append(types, int(t))
		}
		sort.Ints(types)

		for _, t := range types {
			for _, rr := range sets[uint16(t)] {
				rrs = append(rrs, dns.Copy(rr))
			}
		}
	}

	return rrs
}

func (z *Zone) sortedNames() []string {
	names := make([]string, 0, len(z.names))
	for name := range z.names {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func answer(sets rrsets, qname string, qtype uint16) ([]dns.RR, Result) {
	rrs := sets[qtype]
	if len(rrs) == 0 {
		return nil, NoData
	}

	answers := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		rr = dns.Copy(rr)
		rr.Header().Name = qname
		answers = append(answers, rr)
	}

	return answers, Success
}

func parent(name string) string {
	off, end := dns.NextLabel(name, 0)
	if end {
		return ""
	}
	return name[off:]
}

func (z *Zone) add(rr dns.RR) bool {
	name := strings.ToLower(rr.Header().Name)
	rr.Header().Name = name

	sets, ok := z.names[name]
	if !ok {
		sets = make(rrsets)
		z.names[name] = sets
	}

	rrtype := rr.Header().Rrtype
	for _, existing := range sets[rrtype] {
		if dns.IsDuplicate(existing, rr) {
			return false
		}
	}

	sets[rrtype] = append(sets[rrtype], rr)

	return true
}

func (z *Zone) has(name string) bool {
	_, ok := z.names[name]
	return ok
}

func (z *Zone) remove(name string, rrtype uint16) {
	sets, ok := z.names[name]
	if !ok {
		return
	}

	delete(sets, rrtype)
	if len(sets) == 0 {
		delete(z.names, name)
	}
}

package directory

import (
	"fmt"
	"net"
	"strconv"
)

func digestHex(s string) (uint64, error) {
	if s == "" || len(s) > 16 {
		return 0, fmt.Errorf("invalid identifier %q", s)
	}

	return strconv.ParseUint(s, 16, 64)
}

func ipv6(words [8]uint16) net.IP {
	ip := make(net.IP, net.IPv6len)
	for i, w := range words {
		ip[i*2] = byte(w >> 8)
		ip[i*2+1] = byte(w)
	}
	return ip
}

// SixPlane returns the 6PLANE address of a member.
func SixPlane(network, node string) (net.IP, error) {
	nw, err := digestHex(network)
	if err != nil {
		return nil, err
	}

	nd, err := digestHex(node)
	if err != nil {
		return nil, err
	}

	nw ^= nw >> 32

	return ipv6([8]uint16{
		0xfc00 | uint16(nw>>24&0xff),
		uint16(nw >> 8),
		uint16(nw&0xff)<<8 | uint16(nd>>32&0xff),
		uint16(nd >> 16),
		uint16(nd),
		0,
		0,
		1,
	}), nil
}

// SixPlaneNetwork returns the /40 6PLANE prefix of a network.
func SixPlaneNetwork(network string) (*net.IPNet, error) {
	nw, err := digestHex(network)
	if err != nil {
		return nil, err
	}

	nw ^= nw >> 32

	ip := ipv6([8]uint16{
		0xfc00 | uint16(nw>>24&0xff),
		uint16(nw >> 8),
		uint16(nw&0xff) << 8,
	})

	return &net.IPNet{IP: ip, Mask: net.CIDRMask(40, 128)}, nil
}

// RFC4193 returns the RFC4193 address of a member.
func RFC4193(network, node string) (net.IP, error) {
	nw, err := digestHex(network)
	if err != nil {
		return nil, err
	}

	nd, err := digestHex(node)
	if err != nil {
		return nil, err
	}

	return ipv6([8]uint16{
		0xfd00 | uint16(nw>>56&0xff),
		uint16(nw >> 40),
		uint16(nw >> 24),
		uint16(nw >> 8),
		uint16(nw&0xff)<<8 | 0x99,
		0x9300 | uint16(nd>>32&0xff),
		uint16(nd >> 16),
		uint16(nd),
	}), nil
}

// RFC4193Network returns the /88 RFC4193 prefix of a network.
func RFC4193Network(network string) (*net.IPNet, error) {
	nw, err := digestHex(network)
	if err != nil {
		return nil, err
	}

	ip := ipv6([8]uint16{
		0xfd00 | uint16(nw>>56&0xff),
		uint16(nw >> 40),
		uint16(nw >> 24),
		uint16(nw >> 8),
		uint16(nw&0xff)<<8 | 0x99,
		0x9300,
	})

	return &net.IPNet{IP: ip, Mask: net.CIDRMask(88, 128)}, nil
}

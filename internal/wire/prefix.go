package wire

import (
	"fmt"
	"net/netip"
)

// decodePrefixes parses a <length, prefix> run for one address family.
func decodePrefixes(b []byte, ipv6 bool) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for len(b) > 0 {
		var (
			p   netip.Prefix
			err error
		)
		p, b, err = decodePrefix(b, ipv6)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

func decodePrefix(b []byte, ipv6 bool) (netip.Prefix, []byte, error) {
	if len(b) < 1 {
		return netip.Prefix{}, nil, fmt.Errorf("wire: empty prefix field")
	}
	bits := int(b[0])
	if (!ipv6 && bits > 32) || (ipv6 && bits > 128) {
		return netip.Prefix{}, nil, fmt.Errorf("wire: invalid prefix length %d", bits)
	}
	b = b[1:]
	octets := (bits + 7) / 8
	if len(b) < octets {
		return netip.Prefix{}, nil, fmt.Errorf("wire: prefix truncated (need %d octets, have %d)", octets, len(b))
	}
	var addr netip.Addr
	if ipv6 {
		var a [16]byte
		copy(a[:], b[:octets])
		addr = netip.AddrFrom16(a)
	} else {
		var a [4]byte
		copy(a[:], b[:octets])
		addr = netip.AddrFrom4(a)
	}
	return netip.PrefixFrom(addr, bits), b[octets:], nil
}

// encodePrefixes emits the wire form of a prefix run. Prefixes are emitted
// in the order given; callers wanting deterministic output sort first.
func encodePrefixes(prefixes []netip.Prefix) []byte {
	var b []byte
	for _, p := range prefixes {
		b = append(b, encodePrefix(p)...)
	}
	return b
}

func encodePrefix(p netip.Prefix) []byte {
	bits := p.Bits()
	octets := (bits + 7) / 8
	b := make([]byte, 1+octets)
	b[0] = uint8(bits)
	copy(b[1:], p.Addr().AsSlice()[:octets])
	return b
}

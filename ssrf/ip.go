// Package ssrf guards outbound requests against server-side request forgery
// by classifying IP addresses and validating URLs before any connection.
package ssrf

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// Classification is the verdict for a single address.
type Classification struct {
	Private bool
	Reason  string // empty for public addresses
}

func public() Classification { return Classification{} }

func private(reason string) Classification {
	return Classification{Private: true, Reason: reason}
}

type v4Range struct {
	prefix uint32
	mask   uint32
	reason string
}

var v4Ranges = []v4Range{
	{0x00000000, 0xFF000000, "Current network"}, // 0.0.0.0/8
	{0x0A000000, 0xFF000000, "Private network"}, // 10.0.0.0/8
	{0x7F000000, 0xFF000000, "Loopback"},        // 127.0.0.0/8
	{0xA9FE0000, 0xFFFF0000, "Link-local"},      // 169.254.0.0/16
	{0xAC100000, 0xFFF00000, "Private network"}, // 172.16.0.0/12
	{0xC0A80000, 0xFFFF0000, "Private network"}, // 192.168.0.0/16
	{0xE0000000, 0xF0000000, "Multicast"},       // 224.0.0.0/4
	{0xF0000000, 0xF0000000, "Reserved"},        // 240.0.0.0/4, includes broadcast
}

// ParseIPv4 parses a strict dotted quad. Leading zeros, out of range octets and
// anything other than four segments are rejected.
func ParseIPv4(s string) (uint32, bool) {
	if strings.ContainsAny(s, ":%") {
		return 0, false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), true
}

// ParseIPv6 parses an IPv6 address into its high and low 64-bit halves.
// "::" compression and an IPv4 suffix are supported; zones are not.
func ParseIPv6(s string) (hi, lo uint64, ok bool) {
	if !strings.Contains(s, ":") || strings.Contains(s, "%") {
		return 0, 0, false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is6() {
		return 0, 0, false
	}
	b := addr.As16()
	return binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint64(b[8:]), true
}

// ClassifyIPv4 reports whether ip falls in a non-public range.
func ClassifyIPv4(ip uint32) Classification {
	for _, r := range v4Ranges {
		if ip&r.mask == r.prefix {
			return private(r.reason)
		}
	}
	return public()
}

// nat64Prefix is the high half of the well-known NAT64 prefix 64:ff9b::/96.
const nat64Prefix = 0x0064_FF9B_0000_0000

// ClassifyIPv6 reports whether the address hi:lo falls in a non-public range.
// IPv4-mapped, NAT64 (64:ff9b::/96) and 6to4 (2002::/16) addresses are
// classified by their embedded IPv4 address.
func ClassifyIPv6(hi, lo uint64) Classification {
	switch {
	case hi == 0 && lo == 1:
		return private("Loopback")
	case hi == 0 && lo == 0:
		return private("Unspecified")
	case hi == 0 && lo>>32 == 0xFFFF:
		return embedded("IPv4-mapped", uint32(lo))
	case hi == nat64Prefix && lo>>32 == 0:
		return embedded("NAT64", uint32(lo))
	case hi>>48 == 0x2002:
		return embedded("6to4", uint32(hi>>16))
	case hi>>54 == 0xFE80>>6: // fe80::/10
		return private("Link-local")
	case hi>>57 == 0xFC00>>9: // fc00::/7
		return private("Unique local")
	case hi>>56 == 0xFF: // ff00::/8
		return private("Multicast")
	}
	return public()
}

func embedded(kind string, v4 uint32) Classification {
	if c := ClassifyIPv4(v4); c.Private {
		return private(kind + " " + c.Reason)
	}
	return public()
}

// ClassifyIP classifies a literal of either family. Brackets are stripped.
func ClassifyIP(s string) (Classification, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if v4, ok := ParseIPv4(s); ok {
		return ClassifyIPv4(v4), nil
	}
	if hi, lo, ok := ParseIPv6(s); ok {
		return ClassifyIPv6(hi, lo), nil
	}
	return Classification{}, fmt.Errorf("ssrf: %q is not an IP address", s)
}

// IsIPLiteral reports whether s parses as an address of either family.
func IsIPLiteral(s string) bool {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if _, ok := ParseIPv4(s); ok {
		return true
	}
	_, _, ok := ParseIPv6(s)
	return ok
}

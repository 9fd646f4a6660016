package addrmgr

import "net"

func cidr(ip string, ones, bits int) net.IPNet {
	return net.IPNet{IP: net.ParseIP(ip), Mask: net.CIDRMask(ones, bits)}
}

var (
	ipv4Reserved = []net.IPNet{
		cidr("0.0.0.0", 8, 32),        // "this network"
		cidr("255.255.255.255", 32, 32), // broadcast
		cidr("10.0.0.0", 8, 32),       // RFC1918
		cidr("172.16.0.0", 12, 32),    // RFC1918
		cidr("192.168.0.0", 16, 32),   // RFC1918
		cidr("198.18.0.0", 15, 32),    // RFC2544
		cidr("169.254.0.0", 16, 32),   // link-local
		cidr("100.64.0.0", 10, 32),    // CGNAT, RFC6598
		cidr("192.0.2.0", 24, 32),     // RFC5737 TEST-NET-1
		cidr("198.51.100.0", 24, 32),  // RFC5737 TEST-NET-2
		cidr("203.0.113.0", 24, 32),   // RFC5737 TEST-NET-3
	}

	ipv6UniqueLocal = cidr("fc00::", 7, 128)
	ipv6Orchid1     = cidr("2001:10::", 28, 128)
	ipv6Orchid2     = cidr("2001:20::", 28, 128)
	ipv6LinkLocal   = cidr("fe80::", 64, 128)
	ipv6CJDNS       = cidr("fc00::", 8, 128)
)

func isLoopback(ip net.IP) bool { return ip.IsLoopback() }

// IsRoutable is bit-exact with Bitcoin Core's conventions. CJDNS
// addresses are accepted only inside fc00::/8; Onion and I2P addresses are
// always accepted since their reachability isn't determined by an IP
// range at all.
func IsRoutable(a *LocalAddress) bool {
	switch a.Family {
	case FamilyOnionV2, FamilyI2P, FamilyTorV3:
		return true
	case FamilyCJDNS:
		ip := net.IP(a.Bytes)
		return ipv6CJDNS.Contains(ip)
	case FamilyIPv4:
		ip := net.IP(a.Bytes)
		if isLoopback(ip) {
			return false
		}
		for _, n := range ipv4Reserved {
			if n.Contains(ip) {
				return false
			}
		}
		return true
	case FamilyIPv6:
		ip := net.IP(a.Bytes)
		if ip.IsUnspecified() || isLoopback(ip) {
			return false
		}
		if ipv6UniqueLocal.Contains(ip) || ipv6Orchid1.Contains(ip) ||
			ipv6Orchid2.Contains(ip) || ipv6LinkLocal.Contains(ip) {
			return false
		}
		return true
	default:
		return false
	}
}

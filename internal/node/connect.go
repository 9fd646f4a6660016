package node

import (
	"fmt"
	"net"
	"strconv"

	"github.com/swiftnode/swiftnode/internal/addrmgr"
	"github.com/swiftnode/swiftnode/internal/p2p"
)

// endpointFor builds the dial target for addr. IPv4/IPv6/CJDNS addresses
// carry a plain IP in Bytes and dial directly (through proxyAddr, when
// configured, for privacy); Tor v3, I2P, and legacy onion addresses need
// an address-encoding scheme (base32 onion service ids and the like) this
// package doesn't implement, so they're reported as un-dialable rather
// than guessed at.
func endpointFor(addr *addrmgr.LocalAddress, proxyAddr string) (p2p.Endpoint, error) {
	switch addr.Family {
	case addrmgr.FamilyIPv4, addrmgr.FamilyIPv6, addrmgr.FamilyCJDNS:
		ip := net.IP(addr.Bytes)
		if ip == nil {
			return p2p.Endpoint{}, fmt.Errorf("empty address bytes")
		}
		return p2p.Endpoint{
			Network:   "tcp",
			Address:   net.JoinHostPort(ip.String(), strconv.Itoa(int(addr.Port))),
			ProxyAddr: proxyAddr,
		}, nil
	default:
		return p2p.Endpoint{}, fmt.Errorf("%s addresses need onion-style address encoding, not supported", addr.Family)
	}
}

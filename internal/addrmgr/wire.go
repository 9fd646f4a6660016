package addrmgr

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/swiftnode/swiftnode/internal/p2p"
)

// FromWireNetAddress converts a gossip-received wire.NetAddress into a
// candidate LocalAddress for PushAddresses. The returned address has no
// id and a NeverTried state; ingest assigns both.
func FromWireNetAddress(na *wire.NetAddress) *LocalAddress {
	family := FamilyIPv6
	bytes := []byte(na.IP)
	if v4 := na.IP.To4(); v4 != nil {
		family = FamilyIPv4
		bytes = []byte(v4)
	}
	return &LocalAddress{
		Family:            family,
		Bytes:             bytes,
		Port:              na.Port,
		LastConnectedUnix: na.Timestamp.Unix(),
		State:             NeverTried(),
		Services:          p2p.ServiceFlag(na.Services),
	}
}

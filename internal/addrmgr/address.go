/*
Package addrmgr implements the address manager: a bounded table of
known peer addresses with per-address state, service-flag bucketing,
routability filtering, DNS-seed ingest, and persistence to peers.json and
anchors.json.
*/
package addrmgr

import (
	"time"

	"github.com/swiftnode/swiftnode/internal/p2p"
)

// AddressFamily is the closed variant set of endpoint transports an
// address can use.
type AddressFamily int

const (
	FamilyIPv4 AddressFamily = iota
	FamilyIPv6
	FamilyTorV3
	FamilyI2P
	FamilyCJDNS
	FamilyOnionV2
)

func (f AddressFamily) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	case FamilyTorV3:
		return "torv3"
	case FamilyI2P:
		return "i2p"
	case FamilyCJDNS:
		return "cjdns"
	case FamilyOnionV2:
		return "onionv2"
	default:
		return "unknown"
	}
}

// StateKind is the closed variant set of AddressState.
type StateKind int

const (
	StateNeverTried StateKind = iota
	StateTried
	StateFailed
	StateBanned
	StateConnected
)

// AddressState tags the address lifecycle. Timestamp is the Unix second
// relevant to the variant: the tried/fail time for Tried/Failed, the ban
// expiry for Banned, and is unused (zero) for NeverTried/Connected.
type AddressState struct {
	Kind      StateKind
	Timestamp int64
}

func NeverTried() AddressState { return AddressState{Kind: StateNeverTried} }
func Tried(unixSeconds int64) AddressState {
	return AddressState{Kind: StateTried, Timestamp: unixSeconds}
}
func Failed(unixSeconds int64) AddressState {
	return AddressState{Kind: StateFailed, Timestamp: unixSeconds}
}
func Banned(untilUnixSeconds int64) AddressState {
	return AddressState{Kind: StateBanned, Timestamp: untilUnixSeconds}
}
func Connected() AddressState { return AddressState{Kind: StateConnected} }

// BanExpired reports whether a Banned state's expiry has passed now.
func (s AddressState) BanExpired(now time.Time) bool {
	return s.Kind == StateBanned && now.Unix() >= s.Timestamp
}

// FailedAge returns how long ago a Failed state was recorded.
func (s AddressState) FailedAge(now time.Time) time.Duration {
	if s.Kind != StateFailed {
		return 0
	}
	return now.Sub(time.Unix(s.Timestamp, 0))
}

// ID is the stable random identifier assigned to a LocalAddress at
// insertion time.
type ID uint64

// LocalAddress is one entry in the address table.
type LocalAddress struct {
	ID ID

	Family AddressFamily
	Bytes  []byte
	Port   uint16

	LastConnectedUnix int64
	State             AddressState
	Services          p2p.ServiceFlag
}

// Key returns a string uniquely identifying the endpoint, used for
// dedup on push_addresses. Two LocalAddresses with the same Key are the
// same network endpoint regardless of assigned ID.
func (a *LocalAddress) Key() string {
	b := make([]byte, 0, len(a.Bytes)+4)
	b = append(b, byte(a.Family))
	b = append(b, a.Bytes...)
	b = append(b, byte(a.Port>>8), byte(a.Port))
	return string(b)
}

// IsGood reports whether the address belongs in the good set: Tried or
// Connected, and routable.
func (a *LocalAddress) IsGood() bool {
	if a.State.Kind != StateTried && a.State.Kind != StateConnected {
		return false
	}
	return IsRoutable(a)
}

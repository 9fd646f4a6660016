// Package p2p holds the message and type vocabulary shared by every
// component of the sync engine: service flags, the abstract peer request
// and notification enums, and the in-flight request bookkeeping key.
package p2p

// ServiceFlag is the 64-bit capability bitmask a peer advertises in its
// version message. Bit assignments below NODE_UTREEXO follow the values
// Bitcoin Core itself uses; NODE_UTREEXO is this network's own extension
// bit, following the convention set by experimental Utreexo bridge nodes.
type ServiceFlag uint64

const (
	SFNodeNone            ServiceFlag = 0
	SFNodeNetwork         ServiceFlag = 1 << 0
	SFNodeGetUTXO         ServiceFlag = 1 << 1
	SFNodeBloom           ServiceFlag = 1 << 2
	SFNodeWitness         ServiceFlag = 1 << 3
	SFNodeXThin           ServiceFlag = 1 << 4
	SFNodeCompactFilters  ServiceFlag = 1 << 6
	SFNodeNetworkLimited  ServiceFlag = 1 << 10
	SFNodeUtreexo         ServiceFlag = 1 << 24
)

// Has reports whether f contains every bit of mask.
func (f ServiceFlag) Has(mask ServiceFlag) bool { return f&mask == mask }

// HasAny reports whether f contains any bit of mask.
func (f ServiceFlag) HasAny(mask ServiceFlag) bool { return f&mask != 0 }

func (f ServiceFlag) String() string {
	if f == SFNodeNone {
		return "none"
	}
	names := []struct {
		bit  ServiceFlag
		name string
	}{
		{SFNodeNetwork, "NETWORK"},
		{SFNodeGetUTXO, "GETUTXO"},
		{SFNodeBloom, "BLOOM"},
		{SFNodeWitness, "WITNESS"},
		{SFNodeXThin, "XTHIN"},
		{SFNodeCompactFilters, "COMPACT_FILTERS"},
		{SFNodeNetworkLimited, "NETWORK_LIMITED"},
		{SFNodeUtreexo, "UTREEXO"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "unknown"
	}
	return out
}

// ProbeServices is the fixed probe set the address manager indexes
// addresses by.
var ProbeServices = []ServiceFlag{SFNodeUtreexo, SFNodeNone, SFNodeCompactFilters}

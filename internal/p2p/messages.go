package p2p

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// PeerID identifies one connected peer session. It is the stable address
// id (see addrmgr.LocalAddress.ID) assigned when the connection was made.
type PeerID uint64

// BlockLocator requests headers starting after the first hash the remote
// recognizes in the locator.
type BlockLocator = []chainhash.Hash

// NodeRequest is the outbound half of the abstract peer channel:
// what the orchestrator asks a given peer task to do. Only the fields
// belonging to Kind are meaningful.
type NodeRequest struct {
	Kind RequestKind

	Locator BlockLocator
	Stop    chainhash.Hash

	BlockHashes []chainhash.Hash

	ProofHash chainhash.Hash
	ProofCtx  []byte
	ProofSalt [4]uint64

	UtreexoHash chainhash.Hash
	UtreexoTip  chainhash.Hash

	FilterStart uint32
	FilterStop  uint32

	Tx *wire.MsgTx
}

// RequestKind enumerates the outbound request variants.
type RequestKind int

const (
	ReqHeaders RequestKind = iota
	ReqGetBlock
	ReqGetBlockProof
	ReqGetUtreexoState
	ReqGetAddresses
	ReqGetFilter
	ReqPing
	ReqShutdown
	ReqBroadcast
)

// PeerMessages is the inbound half of the abstract peer channel:
// a typed notification the orchestrator receives from a peer task.
type PeerMessages struct {
	Kind PeerMsgKind
	From PeerID

	Version       *wire.MsgVersion
	Headers       []*wire.BlockHeader
	Block         *wire.MsgBlock
	UtreexoProof  []byte
	UtreexoState  []byte
	Inv           []*wire.InvVect
	Tx            *wire.MsgTx
	Addrs         []*wire.NetAddress
	Filter        []byte
	FilterHeaders []byte
	NotFound      []*wire.InvVect

	// DisconnectIdx carries the peer's own id when Kind is
	// PeerDisconnected.
	DisconnectIdx PeerID
}

// PeerMsgKind enumerates the inbound message variants.
type PeerMsgKind int

const (
	PeerReady PeerMsgKind = iota
	PeerHeaders
	PeerBlock
	PeerUtreexoProof
	PeerUtreexoState
	PeerInv
	PeerTx
	PeerAddr
	PeerPong
	PeerFilter
	PeerFilterHeaders
	PeerDisconnected
	PeerNotFound
)

// InflightKind distinguishes the variants of InflightRequests.
type InflightKind int

const (
	IFConnect InflightKind = iota
	IFBlocks
	IFHeaders
	IFUtreexoState
	IFBlockProof
	IFUserRequest
	IFRescanBlock
	IFGetFilters
	IFAddresses
)

// InflightRequests is the tagged key used to track in-flight
// expectations. Kind plus Hash (when relevant) form the map key; a zero Hash is
// valid for kinds that are not hash-keyed (Headers, GetFilters, Addresses,
// Connect, UserRequest).
type InflightRequests struct {
	Kind InflightKind
	Hash chainhash.Hash
	User string // discriminator for UserRequest(kind)
}

// InflightEntry is the value side of the inflight map: who we asked, and
// when, so the timeout sweep can compare against the request timeout.
type InflightEntry struct {
	Peer     PeerID
	IssuedAt time.Time
}

// InflightBlock is a block buffered between arrival and worker
// processing. The orchestrator owns the map this lives in; a worker is handed a
// read-only reference and must not mutate it.
type InflightBlock struct {
	Block           *wire.MsgBlock
	Peer            PeerID
	ProcessingSince *time.Time
	LeafData        []byte
	Proof           []byte
}

// Queued reports whether the block has not yet been dispatched to a
// worker.
func (b *InflightBlock) Queued() bool { return b.ProcessingSince == nil }

// PeerState is the session state of a LocalPeerView.
type PeerState int

const (
	PeerAwaiting PeerState = iota
	PeerReadyState
	PeerBanned
	PeerShutdownSent
)

// PeerKind distinguishes outbound/inbound/feeler connections.
type PeerKind int

const (
	KindOutbound PeerKind = iota
	KindInbound
	KindFeeler
)

// TransportProtocol names the wire protocol version negotiated with a peer.
type TransportProtocol int

const (
	TransportV1 TransportProtocol = iota
	TransportV2
)

// LocalPeerView is the orchestrator's session view of one connected
// peer. It is created when a connect task starts and destroyed when the
// peer task exits or the ban score crosses the threshold.
type LocalPeerView struct {
	Address           string
	Services          ServiceFlag
	UserAgent         string
	Height            int32
	State             PeerState
	Outbound          chan<- NodeRequest
	Port              uint16
	Kind              PeerKind
	BanScore          int
	AddressID         uint64
	TransportProtocol TransportProtocol
	MessageLatencyEMA time.Duration

	ConnectedSince time.Time
}

// LoadCounter reports how many requests are outstanding against a peer,
// used by the block-download path to pick the least-loaded one.
type LoadCounter interface {
	InflightCount(PeerID) int
}

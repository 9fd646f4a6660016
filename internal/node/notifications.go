package node

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/swiftnode/swiftnode/internal/addrmgr"
	"github.com/swiftnode/swiftnode/internal/p2p"
	"github.com/swiftnode/swiftnode/internal/swiftsync"
)

// NotifyKind enumerates the NodeNotification variants the orchestrator's
// single inbox carries: peer messages, user requests, DNS results, and
// worker results.
type NotifyKind int

const (
	NotifyPeerMessage NotifyKind = iota
	NotifyUserRequest
	NotifyDNSAddresses
	NotifyWorkerResult
)

// NodeNotification is the tagged union the orchestrator's single queue
// carries.
type NodeNotification struct {
	Kind NotifyKind

	PeerMsg p2p.PeerMessages

	UserRequestKind string
	UserResponse    chan<- any
	UserTx          *wire.MsgTx

	DNSAddresses []*addrmgr.LocalAddress

	WorkerHash   p2p.PeerID
	WorkerHeight uint32
	WorkerResult swiftsync.WorkResult
}

// WorkerResultHandler is the hook for modes that process worker
// notifications. No mode implements it: swiftsync.Session collects its
// worker results on its own channel. handleNotification checks via a type
// assertion and ignores NotifyWorkerResult for modes without it.
type WorkerResultHandler interface {
	HandleWorkerResult(o *Orchestrator, n NodeNotification) error
}

// UserRequestHandler is implemented by modes that serve JSON-RPC-originated
// requests (RunningNode).
type UserRequestHandler interface {
	HandleUserRequest(o *Orchestrator, n NodeNotification) error
}

// handlePeerMsgCommon consumes the messages every mode treats identically
// (connect acks, pongs, address gossip, filter replies) and returns nil
// for them; anything else is returned for the mode to handle. A block
// message additionally settles its inflight entry here, since that
// bookkeeping is identical across modes and must happen even if the mode
// ultimately drops the block.
func (o *Orchestrator) handlePeerMsgCommon(msg p2p.PeerMessages) (*p2p.PeerMessages, error) {
	switch msg.Kind {
	case p2p.PeerBlock:
		if msg.Block != nil {
			o.settleBlockInflight(msg.Block.BlockHash())
		}
		return &msg, nil

	case p2p.PeerReady:
		if peer := o.Peer(msg.From); peer != nil {
			o.mu.Lock()
			peer.State = p2p.PeerReadyState
			if msg.Version != nil {
				peer.Services = p2p.ServiceFlag(msg.Version.Services)
				peer.UserAgent = msg.Version.UserAgent
				peer.Height = msg.Version.LastBlock
			}
			o.mu.Unlock()
		}
		return nil, nil

	case p2p.PeerPong:
		return nil, nil

	case p2p.PeerAddr:
		candidates := make([]*addrmgr.LocalAddress, 0, len(msg.Addrs))
		for _, na := range msg.Addrs {
			candidates = append(candidates, addrmgr.FromWireNetAddress(na))
		}
		o.addrs.PushAddresses(candidates)
		return nil, nil

	case p2p.PeerFilter, p2p.PeerFilterHeaders:
		// Filter replies are consumed by the (out-of-scope) filter
		// store collaborator; the sync engine itself never needs them.
		return nil, nil

	case p2p.PeerDisconnected:
		o.mu.Lock()
		delete(o.peers, msg.From)
		delete(o.inflightByPeer, msg.From)
		o.mu.Unlock()
		if addr := o.addrs.Get(addrmgr.ID(msg.From)); addr != nil {
			o.addrs.UpdateSetState(addrmgr.ID(msg.From), addrmgr.Failed(o.clock.Now().Unix()))
		}
		return nil, nil
	}

	return &msg, nil
}

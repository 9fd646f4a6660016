package node

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/lru"

	"github.com/swiftnode/swiftnode/internal/p2p"
)

// recentBlockCacheSize bounds the set of block hashes RunningNode
// remembers having already fetched, so a repeated inv doesn't trigger a
// redundant getdata round trip to a peer.
const recentBlockCacheSize = 2000

// RunningNode maintains the chain tip once IBD is complete: it
// processes inv/block/tx messages and serves JSON-RPC requests
// (internal/rpc) that reach it through the orchestrator's notification
// queue, which has no capacity bound, running the same maintenance loop
// as every other mode.
type RunningNode struct {
	recentBlocks *lru.Cache

	killRequested bool
}

// NewRunningNodeMode constructs a RunningNode ready to run.
func NewRunningNodeMode() *RunningNode {
	recentBlocks := lru.NewCache(recentBlockCacheSize)
	return &RunningNode{recentBlocks: &recentBlocks}
}

func (r *RunningNode) RequiredServices() p2p.ServiceFlag {
	return p2p.SFNodeNetwork | p2p.SFNodeWitness
}

func (r *RunningNode) Constants() Constants {
	return Constants{
		TryNewConnection:     30 * time.Second,
		RequestTimeout:       60 * time.Second,
		MaxInflightRequests:  50,
		MaxOutgoingPeers:     8,
		MaxConcurrentGetData: 4,
		AssumeStale:          10 * time.Minute,
		FeelerInterval:       5 * time.Minute,
		MaintenanceTick:      10 * time.Second,
		BlocksPerGetData:     4,
		BanTime:              24 * time.Hour,
	}
}

func (r *RunningNode) Name() string { return "RunningNode" }

func (r *RunningNode) Pump(o *Orchestrator) (bool, error) {
	return r.killRequested, nil
}

// RequestKill asks Pump to report done on its next maintenance tick.
func (r *RunningNode) RequestKill() { r.killRequested = true }

func (r *RunningNode) HandleUnhandled(o *Orchestrator, msg p2p.PeerMessages) error {
	switch msg.Kind {
	case p2p.PeerInv:
		return r.handleInv(o, msg)

	case p2p.PeerBlock:
		if msg.Block == nil {
			return nil
		}
		r.recentBlocks.Add(msg.Block.BlockHash())
		return nil

	case p2p.PeerTx:
		return nil
	}
	return nil
}

// HandleUserRequest implements UserRequestHandler so the orchestrator's
// handleNotification dispatches JSON-RPC-originated requests here.
// The concrete method table lives in internal/rpc; this hook only
// threads a response channel through to whatever value was asked for
// (status, height, broadcast).
func (r *RunningNode) HandleUserRequest(o *Orchestrator, n NodeNotification) error {
	if n.UserResponse == nil {
		return nil
	}
	switch n.UserRequestKind {
	case "height":
		h, _ := o.Chain().BestBlock()
		n.UserResponse <- h
	case "status":
		n.UserResponse <- o.Chain().ValidationIndex()
	case "broadcast":
		n.UserResponse <- r.broadcast(o, n.UserTx)
	default:
		n.UserResponse <- nil
	}
	return nil
}

// broadcast fans tx out to every ready peer, returning the transaction
// hash on success.
func (r *RunningNode) broadcast(o *Orchestrator, tx *wire.MsgTx) string {
	if tx == nil {
		return ""
	}
	o.Broadcast(tx)
	return tx.TxHash().String()
}

// handleInv requests any advertised blocks we haven't already fetched.
func (r *RunningNode) handleInv(o *Orchestrator, msg p2p.PeerMessages) error {
	var wanted []chainhash.Hash
	for _, inv := range msg.Inv {
		if inv.Type != wire.InvTypeBlock && inv.Type != wire.InvTypeWitnessBlock {
			continue
		}
		if r.recentBlocks.Contains(inv.Hash) {
			continue
		}
		wanted = append(wanted, inv.Hash)
	}
	if len(wanted) == 0 {
		return nil
	}
	return o.RequestBlocks(wanted, r.RequiredServices(), r.Constants().BlocksPerGetData)
}

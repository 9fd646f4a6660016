package node

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/swiftnode/swiftnode/internal/errors"
	"github.com/swiftnode/swiftnode/internal/p2p"
)

// stubChain is just enough ChainHandle for mode-level tests: a fixed
// header map and a scripted ValidateBlock verdict.
type stubChain struct {
	hashes          map[uint32]chainhash.Hash
	best            uint32
	validationIndex uint32
	invalidated     []chainhash.Hash
	validateErr     error
	ibd             bool
}

func (c *stubChain) ValidationIndex() uint32 { return c.validationIndex }

func (c *stubChain) BestBlock() (uint32, chainhash.Hash) { return c.best, c.hashes[c.best] }

func (c *stubChain) HashAt(height uint32) (chainhash.Hash, error) {
	h, ok := c.hashes[height]
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("no header at height %d", height)
	}
	return h, nil
}

func (c *stubChain) HeaderAt(uint32) (*wire.BlockHeader, error) {
	return nil, fmt.Errorf("not backed by headers")
}

func (c *stubChain) AcceptHeader(*wire.BlockHeader) error { return nil }

func (c *stubChain) ValidateBlock(_ *wire.MsgBlock, height uint32) error {
	if c.validateErr != nil {
		return c.validateErr
	}
	c.validationIndex = height
	return nil
}

func (c *stubChain) InvalidateFrom(hash chainhash.Hash) error {
	c.invalidated = append(c.invalidated, hash)
	return nil
}

func (c *stubChain) MarkAssumedValid(height uint32, _ chainhash.Hash) error {
	c.validationIndex = height
	return nil
}

func (c *stubChain) IBD() bool     { return c.ibd }
func (c *stubChain) SetIBD(v bool) { c.ibd = v }

func TestHandlePeerMsgCommonSettlesBlockInflight(t *testing.T) {
	o, clk := newTestOrchestrator()

	peerID := p2p.PeerID(3)
	block := wire.NewMsgBlock(wire.NewBlockHeader(1, &chainhash.Hash{}, &chainhash.Hash{0x01}, 0, 0))
	hash := block.BlockHash()
	key := p2p.InflightRequests{Kind: p2p.IFBlocks, Hash: hash}

	o.mu.Lock()
	o.inflight[key] = p2p.InflightEntry{Peer: peerID, IssuedAt: clk.now}
	o.inflightByPeer[peerID] = 1
	o.mu.Unlock()

	unhandled, err := o.handlePeerMsgCommon(p2p.PeerMessages{Kind: p2p.PeerBlock, From: peerID, Block: block})
	if err != nil {
		t.Fatalf("handlePeerMsgCommon: %v", err)
	}
	if unhandled == nil {
		t.Fatal("block message should be passed on to the mode")
	}

	o.mu.Lock()
	_, stillInflight := o.inflight[key]
	load := o.inflightByPeer[peerID]
	o.mu.Unlock()
	if stillInflight {
		t.Fatal("delivered block's inflight entry was not settled")
	}
	if load != 0 {
		t.Fatalf("peer load = %d after delivery, want 0", load)
	}
}

func TestSyncNodeBansOnInvalidBlock(t *testing.T) {
	o, _ := newTestOrchestrator()

	block := wire.NewMsgBlock(wire.NewBlockHeader(1, &chainhash.Hash{}, &chainhash.Hash{0x07}, 0, 7))
	hash := block.BlockHash()

	chain := &stubChain{
		hashes:          map[uint32]chainhash.Hash{7: hash},
		best:            7,
		validationIndex: 6,
		validateErr:     errors.New(errors.InvalidBlock, "merkle root mismatch"),
		ibd:             true,
	}
	o.chain = chain

	peerID := p2p.PeerID(9)
	outbound := make(chan p2p.NodeRequest, 1)
	o.RegisterPeer(peerID, &p2p.LocalPeerView{
		State:    p2p.PeerReadyState,
		Outbound: outbound,
	})

	s := NewSyncNodeMode()
	s.requested[hash] = 7

	if err := s.handleBlock(o, p2p.PeerMessages{Kind: p2p.PeerBlock, From: peerID, Block: block}); err != nil {
		t.Fatalf("handleBlock: %v", err)
	}

	if len(chain.invalidated) != 1 || chain.invalidated[0] != hash {
		t.Fatalf("invalidated = %v, want [%s]", chain.invalidated, hash)
	}
	if o.Peer(peerID).State != p2p.PeerBanned {
		t.Fatal("peer serving an invalid block was not banned")
	}
	if chain.validationIndex != 6 {
		t.Fatalf("validation index = %d, want 6", chain.validationIndex)
	}
}

func TestSyncNodePumpFinishesWhenCaughtUp(t *testing.T) {
	o, _ := newTestOrchestrator()
	chain := &stubChain{
		hashes:          map[uint32]chainhash.Hash{9: {0x09}},
		best:            9,
		validationIndex: 9,
		ibd:             true,
	}
	o.chain = chain

	s := NewSyncNodeMode()
	done, err := s.Pump(o)
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if !done {
		t.Fatal("Pump should report done once validation catches the best header")
	}
	if chain.IBD() {
		t.Fatal("IBD still set after SyncNode caught up")
	}
}

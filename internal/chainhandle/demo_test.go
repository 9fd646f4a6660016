package chainhandle

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func makeCoinbase(height uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: ^uint32(0)},
		SignatureScript:  []byte{byte(height), byte(height >> 8), 0x51},
	})
	tx.AddTxOut(&wire.TxOut{Value: 50_0000_0000, PkScript: []byte{0x51}})
	return tx
}

// makeBlock builds a single-transaction block connecting to prev; with one
// transaction the merkle root is just its hash.
func makeBlock(height uint32, prev chainhash.Hash) *wire.MsgBlock {
	cb := makeCoinbase(height)
	root := cb.TxHash()
	b := wire.NewMsgBlock(wire.NewBlockHeader(1, &prev, &root, 0, height))
	b.AddTransaction(cb)
	return b
}

func newTestChain(t *testing.T) *DemoChainHandle {
	t.Helper()
	h, err := NewDemoChainHandle(filepath.Join(t.TempDir(), "test.chain"), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewDemoChainHandle: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestAcceptHeaderAndValidate(t *testing.T) {
	h := newTestChain(t)

	_, genesisHash := h.BestBlock()
	b1 := makeBlock(1, genesisHash)
	if err := h.AcceptHeader(&b1.Header); err != nil {
		t.Fatalf("AcceptHeader: %v", err)
	}

	best, bestHash := h.BestBlock()
	if best != 1 || bestHash != b1.BlockHash() {
		t.Fatalf("best = (%d, %s), want (1, %s)", best, bestHash, b1.BlockHash())
	}

	if err := h.ValidateBlock(b1, 1); err != nil {
		t.Fatalf("ValidateBlock: %v", err)
	}
	if h.ValidationIndex() != 1 {
		t.Fatalf("validation index = %d, want 1", h.ValidationIndex())
	}
}

func TestAcceptHeaderRejectsDisconnected(t *testing.T) {
	h := newTestChain(t)

	orphan := makeBlock(1, chainhash.Hash{0xFF})
	if err := h.AcceptHeader(&orphan.Header); err == nil {
		t.Fatal("expected an error for a header that does not connect")
	}
}

func TestValidateBlockRejectsTamperedMerkleRoot(t *testing.T) {
	h := newTestChain(t)

	_, genesisHash := h.BestBlock()
	b1 := makeBlock(1, genesisHash)
	if err := h.AcceptHeader(&b1.Header); err != nil {
		t.Fatalf("AcceptHeader: %v", err)
	}

	b1.Transactions[0].TxOut[0].Value++
	if err := h.ValidateBlock(b1, 1); err == nil {
		t.Fatal("expected a merkle root mismatch for a tampered output")
	}
	if h.ValidationIndex() != 0 {
		t.Fatalf("validation index advanced to %d on an invalid block", h.ValidationIndex())
	}
}

func TestInvalidateFromRollsBack(t *testing.T) {
	h := newTestChain(t)

	_, genesisHash := h.BestBlock()
	b1 := makeBlock(1, genesisHash)
	b2 := makeBlock(2, b1.BlockHash())
	for _, b := range []*wire.MsgBlock{b1, b2} {
		if err := h.AcceptHeader(&b.Header); err != nil {
			t.Fatalf("AcceptHeader: %v", err)
		}
	}

	if err := h.InvalidateFrom(b1.BlockHash()); err != nil {
		t.Fatalf("InvalidateFrom: %v", err)
	}
	best, bestHash := h.BestBlock()
	if best != 0 || bestHash != genesisHash {
		t.Fatalf("best = (%d, %s) after invalidate, want genesis", best, bestHash)
	}
}

func TestMarkAssumedValidAndIBDPersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.chain")

	h, err := NewDemoChainHandle(path, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewDemoChainHandle: %v", err)
	}

	_, genesisHash := h.BestBlock()
	b1 := makeBlock(1, genesisHash)
	if err := h.AcceptHeader(&b1.Header); err != nil {
		t.Fatalf("AcceptHeader: %v", err)
	}
	if err := h.MarkAssumedValid(1, b1.BlockHash()); err != nil {
		t.Fatalf("MarkAssumedValid: %v", err)
	}
	h.SetIBD(false)
	h.Close()

	reopened, err := NewDemoChainHandle(path, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer reopened.Close()

	if reopened.ValidationIndex() != 1 {
		t.Fatalf("validation index = %d after reopen, want 1", reopened.ValidationIndex())
	}
	if reopened.IBD() {
		t.Fatal("IBD flag did not persist")
	}
}

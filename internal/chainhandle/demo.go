package chainhandle

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"

	"github.com/swiftnode/swiftnode/internal/errors"
)

var headersBucket = []byte("headers")
var metaBucket = []byte("meta")

var validationIndexKey = []byte("validation_index")
var ibdKey = []byte("ibd")

// DemoChainHandle is the walletdb-backed reference ChainHandle used by
// integration tests. It performs real header-chain and merkle-root
// validation; consensus rules beyond connectivity and merkle-root
// integrity are the upstream chain library's responsibility.
type DemoChainHandle struct {
	mu     sync.RWMutex
	params *chaincfg.Params
	db     walletdb.DB

	headers  map[uint32]*wire.BlockHeader
	bestH    uint32
	bestHash chainhash.Hash

	validationIndex uint32
	ibd             bool

	genesisHash chainhash.Hash
}

// NewDemoChainHandle opens (or creates) a bbolt-backed chain handle at
// dbPath, seeded with params' genesis block as height 0.
func NewDemoChainHandle(dbPath string, params *chaincfg.Params) (*DemoChainHandle, error) {
	db, err := walletdb.Create("bdb", dbPath, true, 60*time.Second)
	if err != nil {
		return nil, errors.Wrap(errors.Config, "opening chain db", err)
	}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		for _, name := range [][]byte{headersBucket, metaBucket} {
			if tx.ReadWriteBucket(name) == nil {
				if _, err := tx.CreateTopLevelBucket(name); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(errors.CorruptFile, "initializing chain db buckets", err)
	}

	genesisHeader := params.GenesisBlock.Header
	h := &DemoChainHandle{
		params:      params,
		db:          db,
		headers:     map[uint32]*wire.BlockHeader{0: &genesisHeader},
		bestH:       0,
		bestHash:    *params.GenesisHash,
		genesisHash: *params.GenesisHash,
		ibd:         true,
	}
	h.loadMeta()
	return h, nil
}

// loadMeta restores validationIndex/ibd from a prior run; a fresh db has
// neither key and the zero-value/IBD-true defaults stand.
func (h *DemoChainHandle) loadMeta() {
	_ = walletdb.View(h.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(metaBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(validationIndexKey); len(v) == 4 {
			h.validationIndex = uint32(v[0]) | uint32(v[1])<<8 | uint32(v[2])<<16 | uint32(v[3])<<24
		}
		if v := b.Get(ibdKey); len(v) == 1 {
			h.ibd = v[0] != 0
		}
		return nil
	})
}

func (h *DemoChainHandle) saveMeta() {
	_ = walletdb.Update(h.db, func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(metaBucket)
		if b == nil {
			return nil
		}
		v := h.validationIndex
		vi := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		if err := b.Put(validationIndexKey, vi); err != nil {
			return err
		}
		ibd := byte(0)
		if h.ibd {
			ibd = 1
		}
		return b.Put(ibdKey, []byte{ibd})
	})
}

func (h *DemoChainHandle) Close() error { return h.db.Close() }

func (h *DemoChainHandle) ValidationIndex() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.validationIndex
}

func (h *DemoChainHandle) BestBlock() (uint32, chainhash.Hash) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bestH, h.bestHash
}

func (h *DemoChainHandle) HashAt(height uint32) (chainhash.Hash, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hdr, ok := h.headers[height]
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("chainhandle: no header at height %d", height)
	}
	return hdr.BlockHash(), nil
}

func (h *DemoChainHandle) HeaderAt(height uint32) (*wire.BlockHeader, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hdr, ok := h.headers[height]
	if !ok {
		return nil, fmt.Errorf("chainhandle: no header at height %d", height)
	}
	return hdr, nil
}

func (h *DemoChainHandle) AcceptHeader(header *wire.BlockHeader) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if header.PrevBlock != h.bestHash {
		return errors.New(errors.Protocol, "header does not connect to best hash")
	}
	newHeight := h.bestH + 1
	h.headers[newHeight] = header
	h.bestH = newHeight
	h.bestHash = header.BlockHash()
	return nil
}

// ValidateBlock checks the block's merkle root against its header and,
// on success, advances ValidationIndex. A mismatching merkle root, the
// natural consequence of tampering with any transaction output, surfaces
// as an InvalidBlock error.
func (h *DemoChainHandle) ValidateBlock(block *wire.MsgBlock, height uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	hdr, ok := h.headers[height]
	if !ok {
		return errors.New(errors.Protocol, "validating block with no known header")
	}
	if block.Header.BlockHash() != hdr.BlockHash() {
		return errors.New(errors.Protocol, "block does not match accepted header")
	}

	utilTxns := make([]*btcutil.Tx, len(block.Transactions))
	for i, tx := range block.Transactions {
		utilTxns[i] = btcutil.NewTx(tx)
	}
	tree := blockchain.BuildMerkleTreeStore(utilTxns, false)
	root := *tree[len(tree)-1]
	if root != block.Header.MerkleRoot {
		return errors.New(errors.InvalidBlock, "merkle root mismatch")
	}

	if height != h.validationIndex+1 {
		return errors.New(errors.Protocol, "block validated out of order")
	}
	h.validationIndex = height
	h.saveMeta()
	return nil
}

// InvalidateFrom discards hash and everything built on it, rolling the
// best header back to its parent.
func (h *DemoChainHandle) InvalidateFrom(hash chainhash.Hash) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var cutHeight uint32
	found := false
	for height, hdr := range h.headers {
		if hdr.BlockHash() == hash {
			cutHeight = height
			found = true
			break
		}
	}
	if !found {
		return errors.New(errors.Protocol, "invalidate: unknown hash")
	}
	for height := range h.headers {
		if height >= cutHeight {
			delete(h.headers, height)
		}
	}
	h.bestH = cutHeight - 1
	h.bestHash = h.headers[h.bestH].BlockHash()
	if h.validationIndex >= cutHeight {
		h.validationIndex = cutHeight - 1
	}
	h.saveMeta()
	return nil
}

func (h *DemoChainHandle) MarkAssumedValid(height uint32, hash chainhash.Hash) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hdr, ok := h.headers[height]; !ok || hdr.BlockHash() != hash {
		return errors.New(errors.Protocol, "mark-assumed-valid: unknown header")
	}
	h.validationIndex = height
	h.saveMeta()
	return nil
}

func (h *DemoChainHandle) IBD() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ibd
}

func (h *DemoChainHandle) SetIBD(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ibd = v
	h.saveMeta()
}

/*
Package chainhandle specifies the one contract the sync engine needs from
the chain state/storage layer: header index, block validation
primitives, and the Utreexo accumulator are treated as an external
collaborator, named here only by the interface it must satisfy.

A reference implementation backed by btcwallet/walletdb (bbolt driver) is
provided for integration tests; production deployments are
expected to supply their own ChainHandle backed by the real header index
and Utreexo accumulator.
*/
package chainhandle

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ChainHandle is the thread-safe handle the orchestrator and SwiftSync
// workers share: reads of height/hash are safe from any goroutine;
// writes (accept header, mark assumed valid, toggle IBD) happen only on
// the orchestrator.
type ChainHandle interface {
	// ValidationIndex is the height up to which blocks have been fully
	// validated (or assumed valid, after a successful SwiftSync run).
	ValidationIndex() uint32

	// BestBlock is the current chain tip (headers may extend beyond
	// ValidationIndex during IBD).
	BestBlock() (height uint32, hash chainhash.Hash)

	// HashAt returns the header hash at height, which must be
	// <= the best known header height.
	HashAt(height uint32) (chainhash.Hash, error)

	// HeaderAt returns the header at height.
	HeaderAt(height uint32) (*wire.BlockHeader, error)

	// AcceptHeader appends a connecting header to the index.
	AcceptHeader(header *wire.BlockHeader) error

	// ValidateBlock performs full consensus validation of block at
	// height and, on success, advances ValidationIndex to height.
	ValidateBlock(block *wire.MsgBlock, height uint32) error

	// InvalidateFrom discards hash and every header built on it,
	// rolling the best header back to hash's parent.
	InvalidateFrom(hash chainhash.Hash) error

	// MarkAssumedValid commits SwiftSync's result: validation index is
	// set to height with an empty Utreexo accumulator, without having
	// validated blocks 1..height individually.
	MarkAssumedValid(height uint32, hash chainhash.Hash) error

	// IBD reports whether the chain is still in initial block download.
	IBD() bool
	// SetIBD toggles the IBD flag.
	SetIBD(bool)
}

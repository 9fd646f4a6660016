package swiftsync

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/swiftnode/swiftnode/internal/errors"
	"github.com/swiftnode/swiftnode/internal/p2p"
)

var errInvalidScript = errors.New(errors.InvalidBlock, "output script exceeds maximum size")

// WorkResult is what a worker task returns to the orchestrator: the
// aggregator and supply deltas from processing one block, or an error if
// the block fails non-proof validation. Peer identifies who supplied the
// block, so an invalid-block error can be attributed to the right peer
// for banning.
type WorkResult struct {
	Height      uint32
	Peer        p2p.PeerID
	AggDelta    Aggregator
	SupplyDelta int64
	Err         error
}

// utxoSource is the minimal capability ProcessBlock needs to resolve a
// spend against an output some earlier block registered. Session
// implements it via takeUTXO;
// the interface keeps this file ignorant of Session's locking.
type utxoSource interface {
	takeUTXO(op wire.OutPoint) (utxoEntry, bool)
}

// ProcessBlock is the CPU-bound per-block work a worker task performs:
// resolve every non-coinbase input against utxos, canceling the
// tag of whichever output it spends, then run the block's non-proof
// validation.
//
// Session.registerOutputsLocked has already handled the creation side of
// the tagging — including the hinted-still-unspent fast path — for this
// block and every earlier one, before this was ever dispatched, so the
// delta computed here is purely the spend side. A spend's prevout may
// have been created in this same block or many blocks earlier; both
// resolve identically through utxos, since each entry carries the
// prevout's original creation height rather than this block's.
func ProcessBlock(block *wire.MsgBlock, height uint32, peer p2p.PeerID, salt Salt, utxos utxoSource) WorkResult {
	var agg Aggregator

	for i, tx := range block.Transactions {
		if i == 0 {
			continue // coinbase has no real prevout
		}
		for _, in := range tx.TxIn {
			entry, ok := utxos.takeUTXO(in.PreviousOutPoint)
			if !ok {
				// Either already resolved by another input
				// spending the same outpoint (a malformed
				// block — not this worker's call to make), or
				// the hints file wrongly claimed the output
				// was still unspent at stop_height.
				// Session.Finalize's identity check is what
				// ultimately catches that.
				continue
			}
			tag := salt.Tag(in.PreviousOutPoint, entry.pkScript, entry.value, entry.height)
			agg.Apply(Aggregator(tag))
		}
	}

	if err := validateNonProof(block); err != nil {
		return WorkResult{Height: height, Peer: peer, Err: err}
	}

	return WorkResult{Height: height, Peer: peer, AggDelta: agg}
}

// validateNonProof performs the non-Utreexo-proof validation SwiftSync
// still does per block: any output script longer than
// txscript.MaxScriptSize is rejected. Scripts are not otherwise parsed.
func validateNonProof(block *wire.MsgBlock) error {
	for _, tx := range block.Transactions {
		for _, out := range tx.TxOut {
			if len(out.PkScript) > txscript.MaxScriptSize {
				return errInvalidScript
			}
		}
	}
	return nil
}

package swiftsync

import (
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/swiftnode/swiftnode/internal/chainhandle"
	"github.com/swiftnode/swiftnode/internal/errors"
	"github.com/swiftnode/swiftnode/internal/p2p"
)

// MaxParallelWorkers bounds how many blocks are processed concurrently:
// far more than enough to keep CPU from ever bottlenecking block
// download.
const MaxParallelWorkers = 6

// BlocksPerGetData is how many block hashes one RequestMore call hands the
// fetcher; the fetcher may split them across several getdata messages.
const BlocksPerGetData = 16

// BlockFetcher is the download side a Session needs from the orchestrator:
// request a batch of block hashes over the wire. The session itself knows
// nothing about peers or inflight bookkeeping; that is internal/node's
// job.
type BlockFetcher interface {
	RequestBlocks(hashes []chainhash.Hash) error
}

type pendingBlock struct {
	block      *wire.MsgBlock
	height     uint32
	peer       p2p.PeerID
	processing bool
}

// utxoEntry is the creation context of an output registered by an
// earlier block but not yet known to be spent: just enough to
// reconstruct its tag when whichever later block spends it is
// processed, since that block's worker only ever sees its own
// transactions.
type utxoEntry struct {
	pkScript []byte
	value    int64
	height   uint32
}

// Session drives one SwiftSync run: it owns the aggregator, the
// session salt, and the set of blocks currently downloaded-but-unprocessed
// or in-flight to a worker. It has no opinion on peer selection, inflight
// timeouts, or connection management; those live in the orchestrator and
// reach the session only through AddBlock/RequestMore.
type Session struct {
	mu sync.Mutex

	chain   chainhandle.ChainHandle
	fetcher BlockFetcher
	hints   *Hints
	salt    Salt
	params  *chaincfg.Params

	agg    Aggregator
	supply int64

	lastBlockRequest  uint32
	nextProcessHeight uint32

	abortHeight    *uint32
	abortHash      chainhash.Hash
	abortPeer      p2p.PeerID
	abortBlameable bool

	pending map[chainhash.Hash]*pendingBlock
	utxos   map[wire.OutPoint]utxoEntry

	results chan workerDone
}

type workerDone struct {
	hash chainhash.Hash
	res  WorkResult
}

// NewSession constructs a session at the chain's current validation index,
// which must be zero: SwiftSync only ever runs from genesis.
func NewSession(chain chainhandle.ChainHandle, fetcher BlockFetcher, hints *Hints, params *chaincfg.Params) *Session {
	start := chain.ValidationIndex()
	return &Session{
		chain:             chain,
		fetcher:           fetcher,
		hints:             hints,
		salt:              NewSalt(),
		params:            params,
		lastBlockRequest:  start,
		nextProcessHeight: start + 1,
		pending:           make(map[chainhash.Hash]*pendingBlock),
		utxos:             make(map[wire.OutPoint]utxoEntry),
		results:           make(chan workerDone, MaxParallelWorkers),
	}
}

// AbortInfo describes why a session aborted. Blameable is true when a
// specific peer's block failed non-proof validation, the invalid-block
// path that invalidates that block's header and bans the peer. It is
// false when the failure is Finalize's aggregate/supply check or a failed
// read of the hints file, which implicate the hints file rather than any
// one peer's block.
type AbortInfo struct {
	Height    uint32
	Hash      chainhash.Hash
	Peer      p2p.PeerID
	Blameable bool
}

// Aborted reports whether the session has hit an unrecoverable condition:
// an invalid block, a hints-file read error, or a final-height check
// failure.
func (s *Session) Aborted() (AbortInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortHeight == nil {
		return AbortInfo{}, false
	}
	return AbortInfo{
		Height:    *s.abortHeight,
		Hash:      s.abortHash,
		Peer:      s.abortPeer,
		Blameable: s.abortBlameable,
	}, true
}

// Finished reports whether every block up to stop_height has been
// requested and none remain pending/processing — the condition under
// which the orchestrator should call Finalize.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBlockRequest == s.hints.StopHeight && len(s.pending) == 0
}

// RequestMore requests up to BlocksPerGetData additional blocks, advancing
// lastBlockRequest, unless the session is already aborted or too many
// requests are already outstanding (the orchestrator decides "too many"
// via canRequestMore). A fetcher error rolls lastBlockRequest back.
func (s *Session) RequestMore(canRequestMore bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abortHeight != nil || !canRequestMore {
		return nil
	}

	prevRequest := s.lastBlockRequest
	hashes := make([]chainhash.Hash, 0, BlocksPerGetData)
	for i := 0; i < BlocksPerGetData; i++ {
		nextHeight := s.lastBlockRequest + 1
		if nextHeight > s.hints.StopHeight {
			break
		}
		hash, err := s.chain.HashAt(nextHeight)
		if err != nil {
			break
		}
		hashes = append(hashes, hash)
		s.lastBlockRequest = nextHeight
	}
	if len(hashes) == 0 {
		return nil
	}

	if err := s.fetcher.RequestBlocks(hashes); err != nil {
		s.lastBlockRequest = prevRequest
		return err
	}
	return nil
}

// AddBlock enqueues a downloaded block for processing, remembering which
// peer supplied it so an invalid-block verdict can be attributed back to
// that peer.
func (s *Session) AddBlock(hash chainhash.Hash, height uint32, peer p2p.PeerID, block *wire.MsgBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[hash] = &pendingBlock{block: block, height: height, peer: peer}
}

// dispatchItem is one block handed off for its CPU-bound pass (worker.go's
// ProcessBlock), carrying the creation-side delta registerOutputs already
// folded in synchronously before dispatch.
type dispatchItem struct {
	hash   chainhash.Hash
	block  *wire.MsgBlock
	height uint32
	peer   p2p.PeerID
	agg    Aggregator
	supply int64
}

// Pump starts processing for up to MaxParallelWorkers pending blocks that
// aren't already being worked on.
//
// Dispatch happens strictly in ascending, contiguous height order: a
// block only becomes eligible once every lower height has already run
// registerOutputs, the synchronous pass that records each output's
// creation context in utxos. That ordering is what lets a later block's
// spend resolve against an output an earlier block created, regardless
// of how many blocks apart they are. The per-block validation work
// itself (worker.go's ProcessBlock) still runs concurrently once
// registration has happened.
func (s *Session) Pump() {
	s.mu.Lock()
	if s.abortHeight != nil {
		s.mu.Unlock()
		return
	}

	processing := 0
	for _, pb := range s.pending {
		if pb.processing {
			processing++
		}
	}
	free := MaxParallelWorkers - processing
	if free <= 0 {
		s.mu.Unlock()
		return
	}

	var toDispatch []dispatchItem
	for len(toDispatch) < free {
		hash, pb := s.findPendingLocked(s.nextProcessHeight)
		if pb == nil {
			break
		}

		unspent, err := s.hints.GetIndexes(pb.height)
		if err != nil {
			h := pb.height
			s.abortHeight = &h
			s.abortHash = hash
			s.abortPeer = pb.peer
			s.abortBlameable = false
			s.mu.Unlock()
			return
		}
		unspentSet := make(map[int]struct{}, len(unspent))
		for _, idx := range unspent {
			unspentSet[idx] = struct{}{}
		}

		agg, supply := s.registerOutputsLocked(pb.block, pb.height, unspentSet)

		pb.processing = true
		s.nextProcessHeight++
		toDispatch = append(toDispatch, dispatchItem{
			hash: hash, block: pb.block, height: pb.height, peer: pb.peer,
			agg: agg, supply: supply,
		})
	}
	salt := s.salt
	s.mu.Unlock()

	for _, d := range toDispatch {
		if len(d.block.Transactions) == 1 {
			s.results <- workerDone{hash: d.hash, res: s.runWorker(d, salt)}
			continue
		}

		go func(d dispatchItem) {
			s.results <- workerDone{hash: d.hash, res: s.runWorker(d, salt)}
		}(d)
	}
}

func (s *Session) runWorker(d dispatchItem, salt Salt) WorkResult {
	res := ProcessBlock(d.block, d.height, d.peer, salt, s)
	if res.Err != nil {
		return res
	}
	res.AggDelta.Apply(d.agg)
	res.SupplyDelta += d.supply
	return res
}

// findPendingLocked returns the pending, not-yet-dispatched block at
// height, if any. Must be called with mu held.
func (s *Session) findPendingLocked(height uint32) (chainhash.Hash, *pendingBlock) {
	for hash, pb := range s.pending {
		if !pb.processing && pb.height == height {
			return hash, pb
		}
	}
	return chainhash.Hash{}, nil
}

// registerOutputsLocked performs the order-sensitive half of block
// processing: every created output's tag is applied once, and a
// second time immediately if the hints mark it unspent at stop_height
// (so its contribution nets to zero without ever needing a matching
// spend event). Everything else is stashed in utxos so whichever future
// block spends it — same block or many heights later — can recover the
// identical tag via takeUTXO. Must be called with mu held, and only for
// heights in strictly ascending order, before the block is ever handed
// to a worker.
func (s *Session) registerOutputsLocked(block *wire.MsgBlock, height uint32, unspent map[int]struct{}) (Aggregator, int64) {
	var agg Aggregator
	var supply int64

	outIdx := 0
	for _, tx := range block.Transactions {
		txid := tx.TxHash()
		for voutIdx, out := range tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(voutIdx)}
			tag := s.salt.Tag(op, out.PkScript, out.Value, height)
			agg.Apply(Aggregator(tag))

			if _, ok := unspent[outIdx]; ok {
				agg.Apply(Aggregator(tag))
				supply += out.Value
			} else {
				s.utxos[op] = utxoEntry{pkScript: out.PkScript, value: out.Value, height: height}
			}
			outIdx++
		}
	}
	return agg, supply
}

// takeUTXO removes and returns the creation context registerOutputsLocked
// stored for op, if any. Safe to call concurrently from worker
// goroutines: by the time any block is dispatched, registerOutputsLocked
// has already run for every lower height, so every cross-block spend it
// references is guaranteed to already be in utxos.
func (s *Session) takeUTXO(op wire.OutPoint) (utxoEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.utxos[op]
	if ok {
		delete(s.utxos, op)
	}
	return e, ok
}

// Drain applies every worker result currently buffered on the results
// channel without blocking, folding each into the aggregator/supply and
// removing the block from pending. Call after Pump and after every node
// notification, so results never sit buffered across a maintenance tick.
func (s *Session) Drain() error {
	for {
		select {
		case wd := <-s.results:
			if err := s.applyResult(wd); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Session) applyResult(wd workerDone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, wd.hash)

	if wd.res.Err != nil {
		h := wd.res.Height
		s.abortHeight = &h
		s.abortHash = wd.hash
		s.abortPeer = wd.res.Peer
		s.abortBlameable = true
		return wd.res.Err
	}

	s.agg.Apply(wd.res.AggDelta)
	s.supply += wd.res.SupplyDelta
	return nil
}

// Finalize is called once Finished reports true: it checks the
// aggregator is the identity element and the accumulated supply doesn't
// exceed the consensus subsidy bound at stop_height, then commits the
// result to ChainHandle. A failure of either check aborts the session
// without blaming any one peer (Blameable is false: the hints file
// itself, not a single block, is implicated) and leaves the validation
// index where it was; the accumulator gives no way to locate an offending
// block on its own.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stopHeight := s.hints.StopHeight

	if !s.agg.IsIdentity() {
		s.abortHeight = &stopHeight
		s.abortBlameable = false
		return errors.New(errors.HintsInconsistent, "final aggregator is not the identity element")
	}

	bound := maxSupplyAtHeight(s.params, stopHeight)
	if s.supply > bound {
		s.abortHeight = &stopHeight
		s.abortBlameable = false
		return errors.New(errors.HintsInconsistent, "accumulated supply exceeds consensus subsidy bound")
	}

	tipHash, err := s.chain.HashAt(stopHeight)
	if err != nil {
		return err
	}
	if err := s.chain.MarkAssumedValid(stopHeight, tipHash); err != nil {
		return err
	}
	s.chain.SetIBD(false)
	return nil
}

// maxSupplyAtHeight sums the block subsidy of heights 0 through height-1
// (height blocks) one halving epoch at a time, rather than one CalcBlockSubsidy
// call per block, since stop_height is routinely in the hundreds of
// thousands.
func maxSupplyAtHeight(params *chaincfg.Params, height uint32) int64 {
	interval := params.SubsidyReductionInterval
	if interval <= 0 {
		interval = 210000
	}

	var total int64
	remaining := int64(height)
	h := int32(0)
	for remaining > 0 {
		epochEnd := int32(interval) - (h % int32(interval))
		span := int64(epochEnd)
		if span > remaining {
			span = remaining
		}
		subsidy := blockchain.CalcBlockSubsidy(h, params)
		total += subsidy * span
		h += int32(span)
		remaining -= span
	}
	return total
}

package node

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/swiftnode/swiftnode/internal/errors"
	"github.com/swiftnode/swiftnode/internal/p2p"
	"github.com/swiftnode/swiftnode/internal/swiftsync"
)

// SwiftSyncMode drives one SwiftSync session to completion or
// abort, delegating the aggregator/session bookkeeping to
// swiftsync.Session and using the orchestrator only for block
// download/inflight/ban concerns.
type SwiftSyncMode struct {
	session *swiftsync.Session
	hints   *swiftsync.Hints
	params  *chaincfg.Params

	next ModeContext
	done bool
}

// sessionFetcher adapts the orchestrator's RequestBlocks to the small
// BlockFetcher interface swiftsync.Session depends on.
type sessionFetcher struct {
	o      *Orchestrator
	consts Constants
	req    p2p.ServiceFlag
}

func (f sessionFetcher) RequestBlocks(hashes []chainhash.Hash) error {
	return f.o.RequestBlocks(hashes, f.req, f.consts.BlocksPerGetData)
}

// NewSwiftSyncMode constructs a mode ready to run once an Orchestrator is
// available; the session itself is created lazily on the first Pump
// since it needs the orchestrator's chain handle.
func NewSwiftSyncMode(hints *swiftsync.Hints, params *chaincfg.Params) *SwiftSyncMode {
	return &SwiftSyncMode{hints: hints, params: params}
}

func (m *SwiftSyncMode) RequiredServices() p2p.ServiceFlag {
	return p2p.SFNodeNetwork | p2p.SFNodeWitness | p2p.SFNodeUtreexo
}

func (m *SwiftSyncMode) Constants() Constants {
	return Constants{
		TryNewConnection:     15 * time.Second,
		RequestTimeout:       2 * time.Minute,
		MaxInflightRequests:  100,
		MaxOutgoingPeers:     30,
		MaxConcurrentGetData: 40,
		AssumeStale:          2 * time.Minute,
		FeelerInterval:       time.Minute,
		MaintenanceTick:      5 * time.Second,
		BlocksPerGetData:     5,
		BanTime:              24 * time.Hour,
	}
}

func (m *SwiftSyncMode) Name() string { return "SwiftSync" }

// Next returns the follow-up mode once Pump reports done: RunningNode on
// success, SyncNode (resuming from the last committed validation index)
// on abort.
func (m *SwiftSyncMode) Next() ModeContext { return m.next }

func (m *SwiftSyncMode) Pump(o *Orchestrator) (bool, error) {
	if m.done {
		return true, nil
	}

	if m.session == nil {
		m.session = swiftsync.NewSession(o.Chain(), sessionFetcher{o: o, consts: m.Constants(), req: m.RequiredServices()}, m.hints, m.params)
		o.Log().Infof("performing SwiftSync up to height %d", m.hints.StopHeight)
	}

	if info, aborted := m.session.Aborted(); aborted {
		o.Log().Errorf("aborting SwiftSync: invalid state at height %d", info.Height)
		if info.Blameable {
			if err := o.Chain().InvalidateFrom(info.Hash); err != nil {
				o.Log().Warnf("SwiftSync invalidate failed: %v", err)
			}
			if err := o.Ban(info.Peer, nil); err != nil {
				o.Log().Warnf("SwiftSync ban failed: %v", err)
			}
		}
		m.next = NewSyncNodeMode()
		m.done = true
		return true, nil
	}

	if m.session.Finished() {
		if err := m.session.Finalize(); err != nil {
			o.Log().Errorf("SwiftSync finalize failed: %v", err)
			m.next = NewSyncNodeMode()
			m.done = true
			return true, nil
		}
		o.Log().Infof("SwiftSync finished, switching to normal operation")
		m.next = NewRunningNodeMode()
		m.done = true
		return true, nil
	}

	if err := m.session.Drain(); err != nil {
		// A block failed non-proof validation; the drain already
		// recorded abort_height, so just continue to the next pump
		// which will observe Aborted() and transition out.
		o.Log().Warnf("SwiftSync block processing error: %v", err)
	}

	m.session.Pump()

	canMore := o.CanRequestMoreBlocks(m.Constants().MaxConcurrentGetData, m.Constants().BlocksPerGetData)
	if err := m.session.RequestMore(canMore); err != nil {
		o.Log().Warnf("SwiftSync block request failed: %v", err)
	}

	return false, nil
}

func (m *SwiftSyncMode) HandleUnhandled(o *Orchestrator, msg p2p.PeerMessages) error {
	switch msg.Kind {
	case p2p.PeerBlock:
		if msg.Block == nil {
			return nil
		}
		hash := msg.Block.BlockHash()
		height, err := heightForHash(o, hash)
		if err != nil {
			o.Log().Warnf("received SwiftSync block %s with no known header, ignoring", hash)
			return nil
		}
		m.session.AddBlock(hash, height, msg.From, msg.Block)
		m.session.Pump()
		return nil

	case p2p.PeerUtreexoProof:
		o.Log().Warnf("utreexo proof received from peer %d, but SwiftSync didn't ask", msg.From)
		return o.IncreaseBanScore(msg.From, 5)

	case p2p.PeerDisconnected:
		return nil
	}
	return nil
}

func heightForHash(o *Orchestrator, hash chainhash.Hash) (uint32, error) {
	best, _ := o.Chain().BestBlock()
	for h := int64(best); h >= 0; h-- {
		candidate, err := o.Chain().HashAt(uint32(h))
		if err == nil && candidate == hash {
			return uint32(h), nil
		}
	}
	return 0, errors.New(errors.Protocol, "block hash does not match any known header")
}

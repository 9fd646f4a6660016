package node

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/swiftnode/swiftnode/internal/p2p"
)

// SyncNode downloads and fully validates blocks sequentially from
// the validation index to the best known header. It is reached either
// directly from ChainSelector (no hints file) or as SwiftSync's abort
// fallback, in which case it naturally resumes from whatever validation
// index was last committed since SwiftSync never advances it early.
type SyncNode struct {
	requested map[chainhash.Hash]uint32
	done      bool
}

// NewSyncNodeMode constructs a SyncNode ready to run.
func NewSyncNodeMode() *SyncNode {
	return &SyncNode{requested: make(map[chainhash.Hash]uint32)}
}

func (s *SyncNode) RequiredServices() p2p.ServiceFlag {
	return p2p.SFNodeNetwork | p2p.SFNodeWitness
}

func (s *SyncNode) Constants() Constants {
	return Constants{
		TryNewConnection:     10 * time.Second,
		RequestTimeout:       60 * time.Second,
		MaxInflightRequests:  50,
		MaxOutgoingPeers:     8,
		MaxConcurrentGetData: 8,
		AssumeStale:          time.Minute,
		FeelerInterval:       time.Minute,
		MaintenanceTick:      2 * time.Second,
		BlocksPerGetData:     4,
		BanTime:              24 * time.Hour,
	}
}

func (s *SyncNode) Name() string { return "SyncNode" }

func (s *SyncNode) Next() ModeContext { return NewRunningNodeMode() }

func (s *SyncNode) Pump(o *Orchestrator) (bool, error) {
	index := o.Chain().ValidationIndex()
	best, _ := o.Chain().BestBlock()
	if index >= best {
		s.done = true
		o.Chain().SetIBD(false)
		o.Log().Infof("SyncNode caught up to validation index %d", index)
		return true, nil
	}

	canMore := o.CanRequestMoreBlocks(s.Constants().MaxConcurrentGetData, s.Constants().BlocksPerGetData)
	if !canMore {
		return false, nil
	}

	var hashes []chainhash.Hash
	for h := index + 1; h <= best && len(hashes) < s.Constants().BlocksPerGetData; h++ {
		hash, err := o.Chain().HashAt(h)
		if err != nil {
			break
		}
		if _, already := s.requested[hash]; already {
			continue
		}
		hashes = append(hashes, hash)
		s.requested[hash] = h
	}
	if len(hashes) == 0 {
		return false, nil
	}
	if err := o.RequestBlocks(hashes, s.RequiredServices(), s.Constants().BlocksPerGetData); err != nil {
		for _, h := range hashes {
			delete(s.requested, h)
		}
		return false, err
	}
	return false, nil
}

func (s *SyncNode) HandleUnhandled(o *Orchestrator, msg p2p.PeerMessages) error {
	switch msg.Kind {
	case p2p.PeerBlock:
		return s.handleBlock(o, msg)
	case p2p.PeerHeaders:
		for _, hdr := range msg.Headers {
			if err := o.Chain().AcceptHeader(hdr); err != nil {
				return o.IncreaseBanScore(msg.From, 5)
			}
		}
		return nil
	}
	return nil
}

func (s *SyncNode) handleBlock(o *Orchestrator, msg p2p.PeerMessages) error {
	if msg.Block == nil {
		return nil
	}
	hash := msg.Block.BlockHash()
	height, ok := s.requested[hash]
	if !ok {
		return nil
	}
	delete(s.requested, hash)

	if err := o.Chain().ValidateBlock(msg.Block, height); err != nil {
		o.Log().Warnf("invalid block at height %d from peer %d: %v", height, msg.From, err)
		if err := o.Chain().InvalidateFrom(hash); err != nil {
			return err
		}
		return o.Ban(msg.From, nil)
	}
	return nil
}

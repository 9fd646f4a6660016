package node

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/swiftnode/swiftnode/internal/p2p"
	"github.com/swiftnode/swiftnode/internal/swiftsync"
)

// ChainSelector is the first mode the orchestrator runs in: it waits
// for enough known-good addresses, then decides whether to attempt
// SwiftSync or fall back to classical SyncNode. SwiftSync is only an
// option when a hints file is loaded and nothing has been validated yet.
type ChainSelector struct {
	Hints  *swiftsync.Hints
	Params *chaincfg.Params

	decided bool
	next    ModeContext
}

func (c *ChainSelector) RequiredServices() p2p.ServiceFlag {
	return p2p.SFNodeNetwork | p2p.SFNodeWitness
}

func (c *ChainSelector) Constants() Constants {
	return Constants{
		TryNewConnection:     5 * time.Second,
		RequestTimeout:       30 * time.Second,
		MaxInflightRequests:  50,
		MaxOutgoingPeers:     8,
		MaxConcurrentGetData: 4,
		AssumeStale:          60 * time.Second,
		FeelerInterval:       30 * time.Second,
		MaintenanceTick:      2 * time.Second,
		BlocksPerGetData:     16,
		BanTime:              24 * time.Hour,
	}
}

func (c *ChainSelector) Name() string { return "ChainSelector" }

// Next returns the mode ChainSelector decided on, valid only after Pump
// has reported done.
func (c *ChainSelector) Next() ModeContext { return c.next }

func (c *ChainSelector) Pump(o *Orchestrator) (bool, error) {
	if c.decided {
		return true, nil
	}

	if !o.AddrMan().EnoughAddresses() {
		return false, nil
	}

	if c.Hints != nil && o.Chain().ValidationIndex() == 0 {
		c.next = NewSwiftSyncMode(c.Hints, c.Params)
	} else {
		c.next = NewSyncNodeMode()
	}
	c.decided = true
	return true, nil
}

func (c *ChainSelector) HandleUnhandled(o *Orchestrator, msg p2p.PeerMessages) error {
	return nil
}

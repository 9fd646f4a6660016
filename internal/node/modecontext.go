/*
Package node implements the orchestrator: the single-task
event loop that drives a mode context (ChainSelector, SwiftSync, SyncNode,
RunningNode) forward, owning inflight bookkeeping, the peer roster, and
periodic maintenance.
*/
package node

import (
	"time"

	"github.com/swiftnode/swiftnode/internal/p2p"
)

// Constants is the per-mode tuning a ModeContext supplies. Every
// mode substitutes its own values; none share mutable state.
type Constants struct {
	TryNewConnection     time.Duration
	RequestTimeout       time.Duration
	MaxInflightRequests  int
	MaxOutgoingPeers     int
	MaxConcurrentGetData int
	AssumeStale          time.Duration
	FeelerInterval       time.Duration
	MaintenanceTick      time.Duration
	BlocksPerGetData     int
	BanTime              time.Duration
}

// ModeContext is the behavior the orchestrator is parameterized by.
// Modes never share mutable state; a transition constructs a fresh
// context around the same Orchestrator.
type ModeContext interface {
	// RequiredServices is the service bitmask a connection must
	// advertise to be useful to this mode.
	RequiredServices() p2p.ServiceFlag

	// Constants returns this mode's tuning.
	Constants() Constants

	// Pump performs one mode-specific maintenance step (block-download
	// pump, finalize check, etc). Returning done=true ends the
	// orchestrator's run loop for this mode; the caller inspects Next
	// to see what mode (if any) follows.
	Pump(o *Orchestrator) (done bool, err error)

	// HandleUnhandled processes a PeerMessages value that the common
	// dispatch path did not consume.
	HandleUnhandled(o *Orchestrator, msg p2p.PeerMessages) error

	// Name identifies the mode for logging.
	Name() string
}

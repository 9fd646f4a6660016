package node

import (
	"time"

	"github.com/swiftnode/swiftnode/internal/addrmgr"
	"github.com/swiftnode/swiftnode/internal/p2p"
)

// defaultBanTime is the ban duration Ban applies on every path, whether
// reached through IncreaseBanScore or called directly; a mode's
// Constants().BanTime is not read.
const defaultBanTime = 24 * time.Hour

// IncreaseBanScore applies the ban policy: misbehavior adds
// to a peer's banscore; crossing BanThreshold moves the address to
// Banned(now+BanTime) and asks the peer task to shut down.
func (o *Orchestrator) IncreaseBanScore(id p2p.PeerID, delta int) error {
	o.mu.Lock()
	peer := o.peers[id]
	if peer == nil {
		o.mu.Unlock()
		return nil
	}
	peer.BanScore += delta
	score := peer.BanScore
	outbound := peer.Outbound
	o.mu.Unlock()

	if score < BanThreshold {
		return nil
	}

	return o.Ban(id, outbound)
}

// Ban unconditionally bans id regardless of accumulated score, used by
// SwiftSync's invalid-block handling, which raises a peer straight
// to the ban threshold rather than incrementing it.
func (o *Orchestrator) Ban(id p2p.PeerID, outbound chan<- p2p.NodeRequest) error {
	o.log.Warnf("banning peer %d", id)

	now := o.clock.Now()
	o.addrs.UpdateSetState(addrmgr.ID(id), addrmgr.Banned(now.Add(defaultBanTime).Unix()))

	o.mu.Lock()
	if peer, ok := o.peers[id]; ok {
		peer.State = p2p.PeerBanned
		peer.BanScore = BanThreshold
		if outbound == nil {
			outbound = peer.Outbound
		}
	}
	o.mu.Unlock()

	if outbound != nil {
		select {
		case outbound <- p2p.NodeRequest{Kind: p2p.ReqShutdown}:
		default:
		}
	}
	return nil
}

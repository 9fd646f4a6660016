package node

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/swiftnode/swiftnode/internal/addrmgr"
	"github.com/swiftnode/swiftnode/internal/chainhandle"
	"github.com/swiftnode/swiftnode/internal/errors"
	"github.com/swiftnode/swiftnode/internal/p2p"
)

// BanThreshold is the banscore at which an address is moved to Banned and
// its peer task is shut down.
const BanThreshold = 100

// Orchestrator is the single-owner event loop. It owns the peer roster,
// inflight bookkeeping, and the address manager; a ModeContext supplies
// only behavior and tuning. The chain handle is shared read-write with
// SwiftSync workers but only the orchestrator ever writes to it.
type Orchestrator struct {
	mu sync.Mutex

	log   btclog.Logger
	clock clock.Clock

	addrs *addrmgr.AddrMan
	chain chainhandle.ChainHandle

	peers map[p2p.PeerID]*p2p.LocalPeerView

	inflight map[p2p.InflightRequests]p2p.InflightEntry
	// inflightByPeer supports InflightCount for least-loaded peer
	// selection in RequestBlocks.
	inflightByPeer map[p2p.PeerID]int

	pendingBlocks map[chainhash.Hash]struct{}

	notifications *queue.ConcurrentQueue

	killSignal bool

	lastConnectionAttempt time.Time
	lastFeeler            time.Time
	lastTipUpdate         time.Time
	lastTipHeight         uint32

	connector *p2p.Connector
	proxyAddr string
}

// SetConnector installs the dialer used by the maintenance loop's
// outbound-top-up and feeler steps. Orchestrators built for tests
// that never need a live socket leave this nil, in which case
// maybeOpenConnection/openFeelerConnection pick an address but do not
// dial it.
func (o *Orchestrator) SetConnector(c *p2p.Connector, proxyAddr string) {
	o.connector = c
	o.proxyAddr = proxyAddr
}

// NewOrchestrator constructs an orchestrator with an empty roster, ready
// to Run under any ModeContext.
func NewOrchestrator(log btclog.Logger, clk clock.Clock, addrs *addrmgr.AddrMan, chain chainhandle.ChainHandle) *Orchestrator {
	now := clk.Now()
	o := &Orchestrator{
		log:            log,
		clock:          clk,
		addrs:          addrs,
		chain:          chain,
		peers:          make(map[p2p.PeerID]*p2p.LocalPeerView),
		inflight:       make(map[p2p.InflightRequests]p2p.InflightEntry),
		inflightByPeer: make(map[p2p.PeerID]int),
		pendingBlocks:  make(map[chainhash.Hash]struct{}),
		notifications:  queue.NewConcurrentQueue(64),
		lastConnectionAttempt: now,
		lastFeeler:            now,
		lastTipUpdate:         now,
	}
	o.notifications.Start()
	return o
}

// Notify enqueues a NodeNotification for the run loop to process; callers
// are peer tasks, the DNS resolver, and worker goroutines.
func (o *Orchestrator) Notify(n NodeNotification) {
	o.notifications.ChanIn() <- n
}

// Kill sets the shared kill signal the next maintenance tick observes.
func (o *Orchestrator) Kill() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.killSignal = true
}

func (o *Orchestrator) killed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.killSignal
}

// InflightCount implements p2p.LoadCounter, used by RequestBlocks to pick
// the least-loaded peer.
func (o *Orchestrator) InflightCount(id p2p.PeerID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflightByPeer[id]
}

// Run drives ctx's event loop until Pump reports done or the kill signal
// fires. The select is biased: the maintenance tick takes priority, and
// a received message is drained fully before the loop yields again.
func (o *Orchestrator) Run(ctx ModeContext) error {
	consts := ctx.Constants()
	maintTicker := ticker.New(consts.MaintenanceTick)
	maintTicker.Resume()
	defer maintTicker.Stop()

	o.log.Infof("orchestrator entering %s mode", ctx.Name())

	for {
		// A pending tick is serviced before any queued message.
		select {
		case <-maintTicker.Ticks():
			done, err := o.runMaintenance(ctx)
			if err != nil {
				o.log.Warnf("%s maintenance error: %v", ctx.Name(), err)
			}
			if done {
				return nil
			}
			continue
		default:
		}

		select {
		case <-maintTicker.Ticks():
			done, err := o.runMaintenance(ctx)
			if err != nil {
				o.log.Warnf("%s maintenance error: %v", ctx.Name(), err)
			}
			if done {
				return nil
			}

		case raw, ok := <-o.notifications.ChanOut():
			if !ok {
				return nil
			}
			if err := o.handleNotification(ctx, raw.(NodeNotification)); err != nil {
				o.log.Warnf("%s message handling error: %v", ctx.Name(), err)
			}
			if o.killed() {
				return nil
			}

		drain:
			for {
				select {
				case raw := <-o.notifications.ChanOut():
					if err := o.handleNotification(ctx, raw.(NodeNotification)); err != nil {
						o.log.Warnf("%s message handling error: %v", ctx.Name(), err)
					}
					if o.killed() {
						return nil
					}
				default:
					break drain
				}
			}
		}
	}
}

// runMaintenance is one maintenance pass: kill check, address-table
// upkeep, outbound top-up, feeler, timeout check, mode pump.
func (o *Orchestrator) runMaintenance(ctx ModeContext) (bool, error) {
	if o.killed() {
		return true, nil
	}

	o.addrs.RearrangeBuckets()
	o.addrs.PruneAddresses()

	consts := ctx.Constants()
	now := o.clock.Now()

	if now.Sub(o.lastConnectionAttempt) >= consts.TryNewConnection {
		o.lastConnectionAttempt = now
		o.maybeOpenConnection(ctx.RequiredServices(), consts.MaxOutgoingPeers)
	}

	if consts.FeelerInterval > 0 && now.Sub(o.lastFeeler) >= consts.FeelerInterval {
		o.lastFeeler = now
		o.openFeelerConnection()
	}

	// A stalled tip earns one extra connection beyond the normal top-up
	// cadence: the peers we have may simply not be serving us.
	if o.chain != nil {
		tip, _ := o.chain.BestBlock()
		if tip != o.lastTipHeight {
			o.lastTipHeight = tip
			o.lastTipUpdate = now
		} else if consts.AssumeStale > 0 && now.Sub(o.lastTipUpdate) >= consts.AssumeStale {
			o.lastTipUpdate = now
			o.maybeOpenConnection(ctx.RequiredServices(), consts.MaxOutgoingPeers+1)
		}
	}

	if err := o.CheckForTimeout(consts.RequestTimeout); err != nil {
		return false, err
	}

	return ctx.Pump(o)
}

func (o *Orchestrator) handleNotification(ctx ModeContext, n NodeNotification) error {
	switch n.Kind {
	case NotifyPeerMessage:
		unhandled, err := o.handlePeerMsgCommon(n.PeerMsg)
		if err != nil {
			return err
		}
		if unhandled == nil {
			return nil
		}
		return ctx.HandleUnhandled(o, *unhandled)

	case NotifyDNSAddresses:
		o.addrs.PushAddresses(n.DNSAddresses)
		return nil

	case NotifyWorkerResult:
		if wh, ok := ctx.(WorkerResultHandler); ok {
			return wh.HandleWorkerResult(o, n)
		}
		return nil

	case NotifyUserRequest:
		if uh, ok := ctx.(UserRequestHandler); ok {
			return uh.HandleUserRequest(o, n)
		}
		return nil
	}
	return nil
}

// CheckForTimeout removes any inflight entry older than timeout,
// increments the responsible peer's banscore by 2, and (for blocks)
// restores the hash to the pending set for re-request.
func (o *Orchestrator) CheckForTimeout(timeout time.Duration) error {
	o.mu.Lock()
	now := o.clock.Now()
	var expiredPeers []p2p.PeerID
	var expired []p2p.InflightRequests
	for key, entry := range o.inflight {
		if now.Sub(entry.IssuedAt) > timeout {
			expired = append(expired, key)
			expiredPeers = append(expiredPeers, entry.Peer)
		}
	}
	for i, key := range expired {
		delete(o.inflight, key)
		o.inflightByPeer[expiredPeers[i]]--
		if key.Kind == p2p.IFBlocks {
			o.pendingBlocks[key.Hash] = struct{}{}
		}
	}
	o.mu.Unlock()

	for _, peer := range expiredPeers {
		if err := o.IncreaseBanScore(peer, 2); err != nil {
			return err
		}
	}
	return nil
}

// CanRequestMoreBlocks reports whether another getdata round fits under
// the concurrent-download cap, counting both inflight and still-pending
// block hashes.
func (o *Orchestrator) CanRequestMoreBlocks(maxConcurrentGetData, blocksPerGetData int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	inflightBlocks := 0
	for key := range o.inflight {
		if key.Kind == p2p.IFBlocks {
			inflightBlocks++
		}
	}
	total := inflightBlocks + len(o.pendingBlocks)
	return total < maxConcurrentGetData*blocksPerGetData
}

// RequestBlocks splits hashes into
// blocksPerGetData chunks, each assigned to the least-loaded peer
// advertising requiredServices, and records an inflight entry per hash.
func (o *Orchestrator) RequestBlocks(hashes []chainhash.Hash, requiredServices p2p.ServiceFlag, blocksPerGetData int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for start := 0; start < len(hashes); start += blocksPerGetData {
		end := start + blocksPerGetData
		if end > len(hashes) {
			end = len(hashes)
		}
		chunk := hashes[start:end]

		peer := o.leastLoadedPeerLocked(requiredServices)
		if peer == nil {
			return errors.New(errors.Transient, "no eligible peer to request blocks from")
		}

		req := p2p.NodeRequest{Kind: p2p.ReqGetBlock, BlockHashes: chunk}
		select {
		case peer.Outbound <- req:
		default:
			return errors.New(errors.Transient, "peer outbound channel is full")
		}

		now := o.clock.Now()
		for _, h := range chunk {
			key := p2p.InflightRequests{Kind: p2p.IFBlocks, Hash: h}
			o.inflight[key] = p2p.InflightEntry{Peer: o.peerIDLocked(peer), IssuedAt: now}
			o.inflightByPeer[o.peerIDLocked(peer)]++
			delete(o.pendingBlocks, h)
		}
	}
	return nil
}

// Broadcast fans tx out to every ready peer, best-effort: a full outbound
// channel on one peer never blocks delivery to the rest.
func (o *Orchestrator) Broadcast(tx *wire.MsgTx) {
	o.mu.Lock()
	targets := make([]chan<- p2p.NodeRequest, 0, len(o.peers))
	for _, peer := range o.peers {
		if peer.State == p2p.PeerReadyState {
			targets = append(targets, peer.Outbound)
		}
	}
	o.mu.Unlock()

	req := p2p.NodeRequest{Kind: p2p.ReqBroadcast, Tx: tx}
	for _, out := range targets {
		select {
		case out <- req:
		default:
		}
	}
}

func (o *Orchestrator) peerIDLocked(target *p2p.LocalPeerView) p2p.PeerID {
	for id, v := range o.peers {
		if v == target {
			return id
		}
	}
	return 0
}

func (o *Orchestrator) leastLoadedPeerLocked(required p2p.ServiceFlag) *p2p.LocalPeerView {
	var best *p2p.LocalPeerView
	bestLoad := -1
	for id, peer := range o.peers {
		if peer.State != p2p.PeerReadyState {
			continue
		}
		if !peer.Services.Has(required) {
			continue
		}
		load := o.inflightByPeer[id]
		if best == nil || load < bestLoad {
			best = peer
			bestLoad = load
		}
	}
	return best
}

func (o *Orchestrator) maybeOpenConnection(required p2p.ServiceFlag, maxOutgoing int) {
	o.mu.Lock()
	outbound := 0
	for _, peer := range o.peers {
		if peer.Kind == p2p.KindOutbound {
			outbound++
		}
	}
	o.mu.Unlock()

	if outbound >= maxOutgoing {
		return
	}

	addr := o.addrs.GetAddressToConnect(required, false)
	if addr == nil {
		return
	}
	go o.dial(addr, p2p.KindOutbound)
}

func (o *Orchestrator) openFeelerConnection() {
	addr := o.addrs.GetAddressToConnect(0, true)
	if addr == nil {
		return
	}
	go o.dial(addr, p2p.KindFeeler)
}

// dial asks the installed Connector to open addr, registering the
// resulting Peer's outbound channel under addr's id (PeerID and address
// id are the same stable value, per p2p.PeerID's doc comment). Address
// families this repo doesn't encode an endpoint for (Tor/I2P/OnionV2, see
// endpointFor) are logged and skipped rather than attempted. Run on its
// own goroutine: dialing and the handshake can take tens of seconds
// and must never block the orchestrator's single-task maintenance tick.
func (o *Orchestrator) dial(addr *addrmgr.LocalAddress, kind p2p.PeerKind) {
	if o.connector == nil {
		o.log.Debugf("would open %v connection to %s (no connector installed)", kind, addr.Key())
		return
	}
	ep, err := endpointFor(addr, o.proxyAddr)
	if err != nil {
		o.log.Debugf("skipping %s: %v", addr.Key(), err)
		return
	}

	id := p2p.PeerID(addr.ID)
	o.RegisterPeer(id, &p2p.LocalPeerView{
		Address:        addr.Key(),
		Port:           addr.Port,
		State:          p2p.PeerAwaiting,
		Kind:           kind,
		AddressID:      uint64(addr.ID),
		ConnectedSince: o.clock.Now(),
	})

	peer, err := o.connector.Dial(id, ep, func(msg p2p.PeerMessages) {
		msg.From = id
		o.Notify(NodeNotification{Kind: NotifyPeerMessage, PeerMsg: msg})
	})
	if err != nil {
		o.mu.Lock()
		delete(o.peers, id)
		o.mu.Unlock()
		o.addrs.UpdateSetState(addrmgr.ID(id), addrmgr.Failed(o.clock.Now().Unix()))
		o.log.Debugf("dial %s failed: %v", addr.Key(), err)
		return
	}

	o.mu.Lock()
	if v, ok := o.peers[id]; ok {
		v.Outbound = peer.Outbound
	}
	o.mu.Unlock()
	o.addrs.UpdateSetState(addrmgr.ID(id), addrmgr.Connected())
}

// settleBlockInflight clears the inflight entry for a delivered block so
// CheckForTimeout never charges a peer for a request it answered.
func (o *Orchestrator) settleBlockInflight(hash chainhash.Hash) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := p2p.InflightRequests{Kind: p2p.IFBlocks, Hash: hash}
	if entry, ok := o.inflight[key]; ok {
		delete(o.inflight, key)
		o.inflightByPeer[entry.Peer]--
	}
	delete(o.pendingBlocks, hash)
}

// RegisterPeer adds a newly-connected peer to the roster.
func (o *Orchestrator) RegisterPeer(id p2p.PeerID, v *p2p.LocalPeerView) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.peers[id] = v
}

// Peer returns the session view for id, or nil.
func (o *Orchestrator) Peer(id p2p.PeerID) *p2p.LocalPeerView {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peers[id]
}

// AddrMan exposes the address manager to mode implementations.
func (o *Orchestrator) AddrMan() *addrmgr.AddrMan { return o.addrs }

// Chain exposes the chain handle to mode implementations.
func (o *Orchestrator) Chain() chainhandle.ChainHandle { return o.chain }

// Clock exposes the injected clock so modes can stay deterministic under
// test.
func (o *Orchestrator) Clock() clock.Clock { return o.clock }

// Log exposes the subsystem logger.
func (o *Orchestrator) Log() btclog.Logger { return o.log }

// PendingBlocks exposes the set of block hashes requested but not yet
// downloaded, for a mode's finish-check (Finished/unprocessed count).
func (o *Orchestrator) PendingBlocks() map[chainhash.Hash]struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[chainhash.Hash]struct{}, len(o.pendingBlocks))
	for h := range o.pendingBlocks {
		out[h] = struct{}{}
	}
	return out
}

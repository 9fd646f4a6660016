package addrmgr

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/decred/dcrd/lru"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/swiftnode/swiftnode/internal/p2p"
)

const (
	// DefaultMaxSize is the default cap on the address table.
	DefaultMaxSize = 50000

	// RetryTime is the horizon after which a Failed address becomes
	// eligible for reselection, and the age demotion threshold used by
	// rearrange_buckets.
	RetryTime = 600 * time.Second

	// AssumeStale is the horizon after which Tried entries are demoted
	// back to NeverTried by rearrange_buckets.
	AssumeStale = 86400 * time.Second

	// recentOfferCacheSize bounds the LRU of address keys AddressCache
	// has handed out, so repeated getaddr answers prefer other entries.
	recentOfferCacheSize = 4096

	maxConnectAttempts = 10
)

// AddrMan is the concurrency-safe address table. The zero value is
// not usable; construct with New.
type AddrMan struct {
	mu sync.Mutex

	clock  clock.Clock
	logger btclog.Logger

	maxSize int

	reachable map[AddressFamily]bool

	addresses map[ID]*LocalAddress
	byKey     map[string]ID

	goodAddresses map[ID]struct{}

	goodByService map[p2p.ServiceFlag]map[ID]struct{}
	byService     map[p2p.ServiceFlag]map[ID]struct{}

	nextID ID

	recentOffers *lru.Cache
}

// Option configures a New AddrMan.
type Option func(*AddrMan)

// WithClock overrides the default wall clock, for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(a *AddrMan) { a.clock = c }
}

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int) Option {
	return func(a *AddrMan) { a.maxSize = n }
}

// WithReachable restricts the address families push_addresses will accept.
// Every family is reachable by default.
func WithReachable(families ...AddressFamily) Option {
	return func(a *AddrMan) {
		a.reachable = make(map[AddressFamily]bool, len(families))
		for _, f := range families {
			a.reachable[f] = true
		}
	}
}

// New constructs an empty AddrMan.
func New(logger btclog.Logger, opts ...Option) *AddrMan {
	recentOffers := lru.NewCache(recentOfferCacheSize)
	a := &AddrMan{
		clock:         clock.NewDefaultClock(),
		logger:        logger,
		maxSize:       DefaultMaxSize,
		addresses:     make(map[ID]*LocalAddress),
		byKey:         make(map[string]ID),
		goodAddresses: make(map[ID]struct{}),
		goodByService: make(map[p2p.ServiceFlag]map[ID]struct{}),
		byService:     make(map[p2p.ServiceFlag]map[ID]struct{}),
		recentOffers:  &recentOffers,
	}
	for _, s := range p2p.ProbeServices {
		a.goodByService[s] = make(map[ID]struct{})
		a.byService[s] = make(map[ID]struct{})
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *AddrMan) isReachable(f AddressFamily) bool {
	if a.reachable == nil {
		return true
	}
	return a.reachable[f]
}

func randomID() ID {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return ID(binary.LittleEndian.Uint64(b[:]))
}

// acceptable applies the ingest rejection rules excluding
// the duplicate check, which needs the lock held against byKey.
func (a *AddrMan) acceptable(addr *LocalAddress) bool {
	if !addr.Services.HasAny(p2p.SFNodeWitness) && !addr.Services.HasAny(p2p.SFNodeNetworkLimited) {
		return false
	}
	if !a.isReachable(addr.Family) {
		return false
	}
	if !IsRoutable(addr) {
		return false
	}
	return true
}

// PushAddresses ingests a batch of candidate addresses, rejecting
// anything unroutable, unreachable, lacking the required service bits,
// or already present. It returns the number actually inserted.
func (a *AddrMan) PushAddresses(candidates []*LocalAddress) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	inserted := 0
	for _, c := range candidates {
		if !a.acceptable(c) {
			continue
		}
		key := c.Key()
		if _, exists := a.byKey[key]; exists {
			continue
		}

		id := randomID()
		for {
			if _, dup := a.addresses[id]; !dup {
				break
			}
			id = randomID()
		}

		entry := &LocalAddress{
			ID:                id,
			Family:            c.Family,
			Bytes:             append([]byte(nil), c.Bytes...),
			Port:              c.Port,
			LastConnectedUnix: c.LastConnectedUnix,
			State:             c.State,
			Services:          c.Services,
		}
		a.addresses[id] = entry
		a.byKey[key] = id
		inserted++

		for _, s := range p2p.ProbeServices {
			if entry.Services.Has(s) || s == p2p.SFNodeNone {
				a.byService[s][id] = struct{}{}
			}
		}
		if entry.IsGood() {
			a.markGoodLocked(id, entry)
		}
	}

	a.pruneLocked()
	return inserted
}

func (a *AddrMan) markGoodLocked(id ID, entry *LocalAddress) {
	a.goodAddresses[id] = struct{}{}
	for _, s := range p2p.ProbeServices {
		if entry.Services.Has(s) || s == p2p.SFNodeNone {
			a.goodByService[s][id] = struct{}{}
		}
	}
}

func (a *AddrMan) unmarkGoodLocked(id ID) {
	delete(a.goodAddresses, id)
	for _, s := range p2p.ProbeServices {
		delete(a.goodByService[s], id)
	}
}

func (a *AddrMan) removeFromAllIndicesLocked(id ID) {
	entry, ok := a.addresses[id]
	if !ok {
		return
	}
	delete(a.byKey, entry.Key())
	delete(a.addresses, id)
	a.unmarkGoodLocked(id)
	for _, s := range p2p.ProbeServices {
		delete(a.byService[s], id)
	}
}

// pruneLocked enforces |addresses| <= maxSize by evicting the oldest
// last_connected entries, removing their id from every index.
func (a *AddrMan) pruneLocked() {
	for len(a.addresses) > a.maxSize {
		var oldestID ID
		var oldestAt int64 = 1<<63 - 1
		found := false
		for id, addr := range a.addresses {
			if !found || addr.LastConnectedUnix < oldestAt {
				oldestID = id
				oldestAt = addr.LastConnectedUnix
				found = true
			}
		}
		if !found {
			return
		}
		a.removeFromAllIndicesLocked(oldestID)
	}
}

// GetAddressToConnect picks an address to dial. A feeler gets a
// uniformly random entry that is neither banned nor connected; otherwise
// up to ten attempts prefer the good set for the required service, fall
// back to the full per-service index, then to any address at all.
func (a *AddrMan) GetAddressToConnect(required p2p.ServiceFlag, feeler bool) *LocalAddress {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()

	if feeler {
		candidates := make([]ID, 0, len(a.addresses))
		for id, addr := range a.addresses {
			if addr.State.Kind == StateConnected {
				continue
			}
			if addr.State.Kind == StateBanned && !addr.State.BanExpired(now) {
				continue
			}
			candidates = append(candidates, id)
		}
		if len(candidates) == 0 {
			return nil
		}
		return a.addresses[candidates[randIntn(len(candidates))]]
	}

	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		good := a.goodByService[required]
		if len(good) > 0 {
			ids := make([]ID, 0, len(good))
			for id := range good {
				ids = append(ids, id)
			}
			id := ids[randIntn(len(ids))]
			addr := a.addresses[id]
			if addr != nil && a.eligible(addr, now) {
				return addr
			}
			// miss: on final attempt purge from the good list.
			if attempt == maxConnectAttempts-1 {
				delete(a.goodByService[required], id)
			}
			continue
		}

		fallback := a.byService[required]
		var ids []ID
		for id := range fallback {
			addr := a.addresses[id]
			if addr == nil {
				continue
			}
			if addr.State.Kind == StateTried || addr.State.Kind == StateNeverTried {
				ids = append(ids, id)
				continue
			}
			if addr.State.Kind == StateFailed && addr.State.FailedAge(now) > RetryTime {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			id := ids[randIntn(len(ids))]
			addr := a.addresses[id]
			if a.eligible(addr, now) {
				return addr
			}
			continue
		}

		// else any address.
		var anyIDs []ID
		for id := range a.addresses {
			anyIDs = append(anyIDs, id)
		}
		if len(anyIDs) == 0 {
			return nil
		}
		id := anyIDs[randIntn(len(anyIDs))]
		addr := a.addresses[id]
		if a.eligible(addr, now) {
			return addr
		}
	}
	return nil
}

func (a *AddrMan) eligible(addr *LocalAddress, now time.Time) bool {
	if addr.State.Kind == StateConnected {
		return false
	}
	if addr.State.Kind == StateBanned && !addr.State.BanExpired(now) {
		return false
	}
	if addr.State.Kind == StateFailed && addr.State.FailedAge(now) <= RetryTime {
		return false
	}
	return true
}

// UpdateSetState transitions id to newState, reconciling the good
// indices and stamping last_connected on a Connected transition.
func (a *AddrMan) UpdateSetState(id ID, newState AddressState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr, ok := a.addresses[id]
	if !ok {
		return
	}
	addr.State = newState

	switch newState.Kind {
	case StateTried, StateConnected:
		if newState.Kind == StateConnected {
			addr.LastConnectedUnix = a.clock.Now().Unix()
		}
		if IsRoutable(addr) {
			a.markGoodLocked(id, addr)
		}
	case StateBanned, StateFailed, StateNeverTried:
		a.unmarkGoodLocked(id)
	}
}

// UpdateSetServiceFlag replaces id's advertised services. A peer that no
// longer advertises both NETWORK and WITNESS is removed from every index
// outright.
func (a *AddrMan) UpdateSetServiceFlag(id ID, flags p2p.ServiceFlag) {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr, ok := a.addresses[id]
	if !ok {
		return
	}
	if !flags.HasAny(p2p.SFNodeNetwork) || !flags.HasAny(p2p.SFNodeWitness) {
		a.removeFromAllIndicesLocked(id)
		return
	}

	addr.Services = flags
	for _, s := range p2p.ProbeServices {
		if addr.Services.Has(s) || s == p2p.SFNodeNone {
			a.byService[s][id] = struct{}{}
		} else {
			delete(a.byService[s], id)
			delete(a.goodByService[s], id)
		}
	}
	if addr.IsGood() {
		a.markGoodLocked(id, addr)
	} else {
		a.unmarkGoodLocked(id)
	}
}

// RearrangeBuckets demotes stale Banned/Failed/Tried entries back to
// NeverTried once their horizon has passed.
func (a *AddrMan) RearrangeBuckets() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	for id, addr := range a.addresses {
		var horizon time.Duration
		switch addr.State.Kind {
		case StateBanned:
			// Timestamp is already an absolute expiry.
			if now.Unix() >= addr.State.Timestamp {
				addr.State = NeverTried()
				a.unmarkGoodLocked(id)
			}
			continue
		case StateFailed:
			horizon = RetryTime
		case StateTried:
			horizon = AssumeStale
		default:
			continue
		}
		if time.Unix(addr.State.Timestamp, 0).Add(horizon).Before(now) {
			addr.State = NeverTried()
			a.unmarkGoodLocked(id)
		}
	}
}

// PruneAddresses is the public entry point for the size-cap enforcement
// push_addresses runs automatically; exposed so the orchestrator's
// maintenance tick can also call it defensively.
func (a *AddrMan) PruneAddresses() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
}

// EnoughAddresses reports whether the table holds enough good entries
// to pick useful peers from: 15 good overall, 5 with compact filters,
// and 2 with Utreexo.
func (a *AddrMan) EnoughAddresses() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.goodAddresses) >= 15 &&
		len(a.goodByService[p2p.SFNodeCompactFilters]) >= 5 &&
		len(a.goodByService[p2p.SFNodeUtreexo]) >= 2
}

// Len reports the current address count.
func (a *AddrMan) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.addresses)
}

// Get returns a copy of the address for id, or nil.
func (a *AddrMan) Get(id ID) *LocalAddress {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr, ok := a.addresses[id]
	if !ok {
		return nil
	}
	cp := *addr
	return &cp
}

// Snapshot returns every address currently known, for persistence.
func (a *AddrMan) Snapshot() []*LocalAddress {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*LocalAddress, 0, len(a.addresses))
	for _, addr := range a.addresses {
		cp := *addr
		out = append(out, &cp)
	}
	return out
}

// GoodIDs returns the ids in the good set for service (Tried or
// Connected, routable); SaveAnchors narrows these to connected peers.
func (a *AddrMan) GoodIDs(service p2p.ServiceFlag) []ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ID, 0, len(a.goodByService[service]))
	for id := range a.goodByService[service] {
		out = append(out, id)
	}
	return out
}

// AddressCache returns up to n addresses to answer a GetAddresses
// request, preferring ones not offered to any peer recently so repeated
// getaddr rounds don't keep reintroducing the same handful of entries.
func (a *AddrMan) AddressCache(n int) []*LocalAddress {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*LocalAddress, 0, n)
	var fallback []*LocalAddress
	for _, addr := range a.addresses {
		if !IsRoutable(addr) {
			continue
		}
		cp := *addr
		if a.recentOffers.Contains(cp.Key()) {
			fallback = append(fallback, &cp)
			continue
		}
		out = append(out, &cp)
		if len(out) >= n {
			break
		}
	}
	for _, addr := range fallback {
		if len(out) >= n {
			break
		}
		out = append(out, addr)
	}
	for _, addr := range out {
		a.recentOffers.Add(addr.Key())
	}
	return out
}

func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n))
}

package addrmgr

import (
	"encoding/json"
	"os"

	"github.com/swiftnode/swiftnode/internal/errors"
	"github.com/swiftnode/swiftnode/internal/p2p"
)

// serializedAddress mirrors LocalAddress for the on-disk peers.json shape;
// a Connected state is serialized as Tried(now) since a connection never
// survives a restart.
type serializedAddress struct {
	ID                ID              `json:"id"`
	Family            AddressFamily   `json:"family"`
	Bytes             []byte          `json:"bytes"`
	Port              uint16          `json:"port"`
	LastConnectedUnix int64           `json:"last_connected_unix"`
	StateKind         StateKind       `json:"state_kind"`
	StateTimestamp    int64           `json:"state_timestamp"`
	Services          p2p.ServiceFlag `json:"services"`
}

func toSerialized(a *LocalAddress, nowUnix int64) serializedAddress {
	state := a.State
	if state.Kind == StateConnected {
		state = Tried(nowUnix)
	}
	return serializedAddress{
		ID:                a.ID,
		Family:            a.Family,
		Bytes:             a.Bytes,
		Port:              a.Port,
		LastConnectedUnix: a.LastConnectedUnix,
		StateKind:         state.Kind,
		StateTimestamp:    state.Timestamp,
		Services:          a.Services,
	}
}

func fromSerialized(s serializedAddress) *LocalAddress {
	return &LocalAddress{
		ID:                s.ID,
		Family:            s.Family,
		Bytes:             s.Bytes,
		Port:              s.Port,
		LastConnectedUnix: s.LastConnectedUnix,
		State:             AddressState{Kind: s.StateKind, Timestamp: s.StateTimestamp},
		Services:          s.Services,
	}
}

// SavePeers writes every known address to path (peers.json), writing a
// temp file and renaming it into place to avoid a torn write.
func (a *AddrMan) SavePeers(path string) error {
	a.mu.Lock()
	now := a.clock.Now().Unix()
	out := make([]serializedAddress, 0, len(a.addresses))
	for _, addr := range a.addresses {
		out = append(out, toSerialized(addr, now))
	}
	a.mu.Unlock()

	tmp := path + ".new"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(errors.CorruptFile, "creating peers file", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(out); err != nil {
		f.Close()
		return errors.Wrap(errors.CorruptFile, "encoding peers file", err)
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(errors.CorruptFile, "closing peers file", err)
	}
	return os.Rename(tmp, path)
}

// LoadPeers reads peers.json into the manager, bypassing push_addresses'
// rejection rules since these entries were already accepted once.
func (a *AddrMan) LoadPeers(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.CorruptFile, "opening peers file", err)
	}
	defer f.Close()

	var in []serializedAddress
	if err := json.NewDecoder(f).Decode(&in); err != nil {
		return errors.Wrap(errors.CorruptFile, "decoding peers file", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range in {
		addr := fromSerialized(s)
		a.addresses[addr.ID] = addr
		a.byKey[addr.Key()] = addr.ID
		for _, svc := range p2p.ProbeServices {
			if addr.Services.Has(svc) || svc == p2p.SFNodeNone {
				a.byService[svc][addr.ID] = struct{}{}
			}
		}
		if addr.IsGood() {
			a.markGoodLocked(addr.ID, addr)
		}
	}
	a.pruneLocked()
	return nil
}

// SaveAnchors writes the ids of currently-connected Utreexo peers, for
// next-boot reconnection.
func (a *AddrMan) SaveAnchors(path string) error {
	ids := a.GoodIDs(p2p.SFNodeUtreexo)
	a.mu.Lock()
	connected := make([]ID, 0, len(ids))
	for _, id := range ids {
		if addr, ok := a.addresses[id]; ok && addr.State.Kind == StateConnected {
			connected = append(connected, id)
		}
	}
	a.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(errors.CorruptFile, "creating anchors file", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(connected)
}

// LoadAnchors reads the anchor id list back, resolving each to the
// address it still refers to (ids that no longer exist are skipped).
func (a *AddrMan) LoadAnchors(path string) ([]*LocalAddress, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.CorruptFile, "opening anchors file", err)
	}
	defer f.Close()

	var ids []ID
	if err := json.NewDecoder(f).Decode(&ids); err != nil {
		return nil, errors.Wrap(errors.CorruptFile, "decoding anchors file", err)
	}

	out := make([]*LocalAddress, 0, len(ids))
	for _, id := range ids {
		if addr := a.Get(id); addr != nil {
			out = append(out, addr)
		}
	}
	return out, nil
}

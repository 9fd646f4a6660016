package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/wire"

	nodepkg "github.com/swiftnode/swiftnode/internal/node"
)

// Orchestrator is the subset of *node.Orchestrator the RPC method table
// needs: enough to thread a request through the single-task event loop and
// wait for its answer on a private response channel.
type Orchestrator interface {
	Notify(n nodepkg.NodeNotification)
}

// RegisterCoreMethods wires the baseline "height", "status", and
// "broadcast" methods onto d, each funneling through o's
// notification queue so the answer always comes from the orchestrator's
// single-owner goroutine rather than racing it.
func RegisterCoreMethods(d *Dispatcher, o Orchestrator) {
	d.Register("height", func(json.RawMessage) (any, error) {
		return askOrchestrator(o, "height", nil)
	})

	d.Register("status", func(json.RawMessage) (any, error) {
		return askOrchestrator(o, "status", nil)
	})

	d.Register("broadcast", func(params json.RawMessage) (any, error) {
		var p struct {
			RawTx string `json:"rawtx"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(p.RawTx)
		if err != nil {
			return nil, err
		}
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, err
		}
		return askOrchestrator(o, "broadcast", tx)
	})
}

func askOrchestrator(o Orchestrator, kind string, tx *wire.MsgTx) (any, error) {
	respCh := make(chan any, 1)
	o.Notify(nodepkg.NodeNotification{
		Kind:            nodepkg.NotifyUserRequest,
		UserRequestKind: kind,
		UserResponse:    respCh,
		UserTx:          tx,
	})
	return <-respCh, nil
}

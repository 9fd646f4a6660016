package node

// Transitioner is implemented by mode contexts that hand off to another
// mode once Pump reports done (ChainSelector, SwiftSync, SyncNode).
// RunningNode does not implement it: once reached, the orchestrator stays
// there until killed.
type Transitioner interface {
	Next() ModeContext
}

// RunUntilKilled drives the orchestrator through start and every
// subsequent mode a Transitioner hands it, until a mode's Run returns
// without a further transition (RunningNode, or an error) or the
// orchestrator is killed.
func RunUntilKilled(o *Orchestrator, start ModeContext) error {
	ctx := start
	for {
		if err := o.Run(ctx); err != nil {
			return err
		}
		if o.killed() {
			return nil
		}

		t, ok := ctx.(Transitioner)
		if !ok {
			return nil
		}
		next := t.Next()
		if next == nil {
			return nil
		}
		ctx = next
	}
}

package blockstm

// BaseView is the out-of-scope collaborator that returns committed
// values for keys with no speculative history (spec.md §6).
type BaseView interface {
	Get(k Key) ([]byte, bool)
}

// ReadView is the per-transaction adapter handed to the VM. It is
// stack-local: never shared across transactions, and its read list
// preserves insertion order with duplicates, since validation replays
// each recorded read independently (spec.md §4.3).
type ReadView struct {
	mvds  *MVDS
	base  BaseView
	sched *Scheduler
	index TxnIndex

	reads []ReadDescriptor
}

func newReadView(mvds *MVDS, base BaseView, sched *Scheduler, i TxnIndex) *ReadView {
	return &ReadView{mvds: mvds, base: base, sched: sched, index: i}
}

// deltaFailureSentinel is returned to the VM when a read resolves to a
// DeltaApplicationFailure, so callers can distinguish "value absent"
// from "value corrupt" without a panic on the hot path.
type deltaFailureSentinel struct{ err error }

func (deltaFailureSentinel) Error() string { return "blockstm: delta application failure on read" }

// Get satisfies one VM read. On ErrDependency it registers a dependency
// wait with the scheduler, blocks until the producer's current attempt
// finishes, and retries (spec.md §4.3, §4.4).
func (rv *ReadView) Get(k Key) ([]byte, bool, error) {
	for {
		res, err := rv.mvds.Read(k, rv.index)
		if err == nil {
			switch res.Kind {
			case ReadVersion:
				rv.reads = append(rv.reads, ReadDescriptor{Key: k, Kind: ReadKindVersion, Version: res.Version})
				return res.Value, res.Value != nil, nil
			case ReadResolved:
				rv.reads = append(rv.reads, ReadDescriptor{Key: k, Kind: ReadKindResolved, ValueHash: hashValue(res.Value)})
				return res.Value, res.Value != nil, nil
			case ReadUnresolved:
				base, found := rv.base.Get(k)
				value, applyErr := res.Delta.Apply(base, k)
				if applyErr != nil {
					rv.reads = append(rv.reads, ReadDescriptor{Key: k, Kind: ReadKindUnresolvedDelta, UnresolvedD: res.Delta})
					return nil, false, deltaFailureSentinel{err: applyErr}
				}
				rv.reads = append(rv.reads, ReadDescriptor{Key: k, Kind: ReadKindUnresolvedDelta, UnresolvedD: res.Delta})
				return value, found, nil
			}
		}

		switch e := err.(type) {
		case ErrDependency:
			if rv.sched.waitForDependency(rv.index, e.TxnIndex) {
				continue
			}
			// The wait was abandoned: this attempt is being aborted
			// back to ReadyToExecute by the scheduler; return a
			// dependency error so the worker stops running the VM.
			return nil, false, e
		case ErrNotFound:
			rv.reads = append(rv.reads, ReadDescriptor{Key: k, Kind: ReadKindStorage})
			value, found := rv.base.Get(k)
			return value, found, nil
		case ErrDeltaApplicationFailure:
			rv.reads = append(rv.reads, ReadDescriptor{Key: k, Kind: ReadKindDeltaFailure})
			return nil, false, e
		default:
			return nil, false, err
		}
	}
}

// ReadSet returns the reads observed so far, in insertion order.
func (rv *ReadView) ReadSet() []ReadDescriptor {
	return rv.reads
}

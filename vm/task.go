// Package vm declares the external collaborator surface the block
// executor core drives but does not implement: one transaction's
// virtual machine. spec.md §1 treats the VM as out of scope; this
// package is the seam the driver calls through.
package vm

import "github.com/maticnetwork/blockstm-core/core/blockstm"

// StatusKind is the VM's verdict for one execution attempt, per
// spec.md §4.2: Success(out) | SkipRest(out) | Abort(err).
type StatusKind uint8

const (
	Success StatusKind = iota
	SkipRest
	Abort
)

// Status wraps one execution attempt's outcome.
type Status struct {
	Kind StatusKind
	Out  blockstm.Output
	Err  error
}

// Reader is what a Task reads through: an adapter over the multi-
// version store and the base view for one transaction index.
type Reader interface {
	Get(k blockstm.Key) (value []byte, found bool, err error)
}

// Task is a per-worker VM instance, produced once per worker by
// Factory.Init and reused across every transaction that worker
// executes (spec.md §6: "init(args) -> per-worker instance").
type Task interface {
	// Execute runs txn against reader at block position i.
	// materializeDeltas is true only on the sequential fallback path,
	// where the VM must resolve its own deltas inline rather than
	// emitting them for later, deferred resolution.
	Execute(reader Reader, txn blockstm.Transaction, i blockstm.TxnIndex, materializeDeltas bool) Status
}

// Factory is the per-block VM capability set (spec.md §9: "expose the
// VM as a capability set carried by the driver, a single indirection
// per EXECUTE task is acceptable").
type Factory interface {
	// Init builds one worker-local VM instance from args.
	Init(args any) Task
}

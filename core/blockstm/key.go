// Package blockstm implements the core of a speculative, multi-version
// block executor: a versioned key/value store, a speculative scheduler,
// a per-transaction I/O log and a commutative delta layer.
package blockstm

// Key is an opaque, hashable, totally comparable storage key. Module is
// set for keys that hold executable code; the driver uses it to detect
// the read/write races across transactions that force a sequential
// fallback (see TxnInputOutput.ModulePublishingMayRace).
type Key struct {
	Path   string
	Module bool
}

// TxnIndex is the 0-based position of a transaction within the block
// being processed. Block order is commit order.
type TxnIndex = int

// Incarnation is a per-transaction attempt counter, starting at 0 and
// increasing on every abort-and-reschedule.
type Incarnation = int

// Version tags the artifacts produced by one execution attempt.
type Version struct {
	TxnIndex    TxnIndex
	Incarnation Incarnation
}

// Transaction is an opaque, already signature-verified block entry; the
// core never inspects its contents, only its position (spec.md §6).
type Transaction = any


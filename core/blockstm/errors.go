package blockstm

import "fmt"

// UserError wraps a VM abort; the driver propagates it as the block
// result and discards any earlier speculative outputs.
type UserError struct {
	Index TxnIndex
	Err   error
}

func (e UserError) Error() string {
	return fmt.Sprintf("blockstm: transaction %d aborted: %v", e.Index, e.Err)
}

func (e UserError) Unwrap() error { return e.Err }

// ErrModulePathReadWrite is detected at commit when a module key was
// read by one transaction and written by another. It never escapes the
// driver: it only triggers the sequential fallback re-run.
type ErrModulePathReadWrite struct{}

func (ErrModulePathReadWrite) Error() string {
	return "blockstm: module key read/write race detected, falling back to sequential execution"
}

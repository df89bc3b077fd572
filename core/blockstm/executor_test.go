package blockstm_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/holiman/uint256"

	"github.com/maticnetwork/blockstm-core/core/blockstm"
	"github.com/maticnetwork/blockstm-core/storeview"
	"github.com/maticnetwork/blockstm-core/vm"
)

// scriptedTxn is the fake transaction type used across the driver
// tests: a plain function closed over the behavior one block position
// should exhibit, so tests can describe a block declaratively instead
// of building a toy bytecode VM.
type scriptedTxn func(r vm.Reader, materializeDeltas bool) vm.Status

type scriptedTask struct{}

func (scriptedTask) Execute(r vm.Reader, txn blockstm.Transaction, i blockstm.TxnIndex, materializeDeltas bool) vm.Status {
	return txn.(scriptedTxn)(r, materializeDeltas)
}

type scriptedFactory struct{}

func (scriptedFactory) Init(args any) vm.Task { return scriptedTask{} }

type fakeOutput struct {
	writes []blockstm.WriteDescriptor
	deltas []blockstm.WriteDescriptor
}

func (o fakeOutput) Writes() []blockstm.WriteDescriptor { return o.writes }
func (o fakeOutput) Deltas() []blockstm.WriteDescriptor { return o.deltas }

func writeStatus(key string, value []byte) vm.Status {
	return vm.Status{Kind: vm.Success, Out: fakeOutput{writes: []blockstm.WriteDescriptor{
		{Key: blockstm.Key{Path: key}, Write: blockstm.WriteOp{Value: value}},
	}}}
}

func deltaStatus(key string, d blockstm.Delta, materialize bool, r vm.Reader) vm.Status {
	if materialize {
		cur, _, _ := r.Get(blockstm.Key{Path: key})
		resolved, err := d.Apply(cur, blockstm.Key{Path: key})
		if err != nil {
			return vm.Status{Kind: vm.Abort, Err: err}
		}
		return writeStatus(key, resolved)
	}
	return vm.Status{Kind: vm.Success, Out: fakeOutput{deltas: []blockstm.WriteDescriptor{
		{Key: blockstm.Key{Path: key}, Delta: d, IsDelta: true},
	}}}
}

func TestExecuteBlockIndependentWrites(t *testing.T) {
	base := storeview.NewMapView(nil)
	block := make([]blockstm.Transaction, 8)
	for i := range block {
		i := i
		block[i] = scriptedTxn(func(r vm.Reader, materializeDeltas bool) vm.Status {
			return writeStatus(fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("v%d", i)))
		})
	}

	d := blockstm.NewDriver(scriptedFactory{}, base, blockstm.Config{ConcurrencyLevel: 4})
	results, err := d.ExecuteBlock(block)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != len(block) {
		t.Fatalf("got %d results, want %d", len(results), len(block))
	}
	for i, r := range results {
		if r.Status.Kind != vm.Success {
			t.Fatalf("tx %d: want Success, got %+v", i, r.Status)
		}
	}
}

func TestExecuteBlockReadAfterWriteChain(t *testing.T) {
	base := storeview.NewMapView(nil)

	block := []blockstm.Transaction{
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status {
			return writeStatus("x", []byte("1"))
		}),
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status {
			v, _, err := r.Get(blockstm.Key{Path: "x"})
			if err != nil {
				return vm.Status{Kind: vm.Abort, Err: err}
			}
			return writeStatus("y", append(v, '1'))
		}),
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status {
			v, _, err := r.Get(blockstm.Key{Path: "y"})
			if err != nil {
				return vm.Status{Kind: vm.Abort, Err: err}
			}
			return writeStatus("z", append(v, '1'))
		}),
	}

	d := blockstm.NewDriver(scriptedFactory{}, base, blockstm.Config{ConcurrencyLevel: 4})
	results, err := d.ExecuteBlock(block)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	z := results[2].Status.Out.Writes()[0]
	if string(z.Write.Value) != "111" {
		t.Fatalf("final chained value = %q, want \"111\"", z.Write.Value)
	}
}

func TestExecuteBlockDeltaConvergence(t *testing.T) {
	base := storeview.NewMapView(map[string][]byte{"counter": uint256.NewInt(100).Bytes()})

	n := 10
	block := make([]blockstm.Transaction, n)
	for i := range block {
		block[i] = scriptedTxn(func(r vm.Reader, materializeDeltas bool) vm.Status {
			return deltaStatus("counter", blockstm.Delta{Kind: blockstm.DeltaAdd, Arg: u256(2)}, materializeDeltas, r)
		})
	}

	for _, concurrency := range []int{1, 4} {
		d := blockstm.NewDriver(scriptedFactory{}, base, blockstm.Config{ConcurrencyLevel: concurrency})
		results, err := d.ExecuteBlock(block)
		if err != nil {
			t.Fatalf("concurrency=%d: unexpected error: %v", concurrency, err)
		}

		var final uint64
		if concurrency == 1 {
			last := results[n-1].Status.Out.Writes()[0]
			final = new(uint256.Int).SetBytes(last.Write.Value).Uint64()
		} else {
			total := uint64(100)
			for _, r := range results {
				for _, w := range r.ResolvedDeltas {
					total = new(uint256.Int).SetBytes(w.Write.Value).Uint64()
				}
			}
			final = total
		}
		if final != 120 {
			t.Fatalf("concurrency=%d: final counter = %d, want 120", concurrency, final)
		}
	}
}

func TestExecuteBlockAbortPropagates(t *testing.T) {
	base := storeview.NewMapView(nil)
	boom := errors.New("boom")

	block := []blockstm.Transaction{
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status { return writeStatus("a", []byte("1")) }),
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status { return vm.Status{Kind: vm.Abort, Err: boom} }),
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status { return writeStatus("c", []byte("1")) }),
	}

	d := blockstm.NewDriver(scriptedFactory{}, base, blockstm.Config{ConcurrencyLevel: 4})
	_, err := d.ExecuteBlock(block)
	if err == nil {
		t.Fatalf("want error")
	}
	var userErr blockstm.UserError
	if !errors.As(err, &userErr) {
		t.Fatalf("want UserError, got %v (%T)", err, err)
	}
	if userErr.Index != 1 {
		t.Fatalf("abort index = %d, want 1", userErr.Index)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped boom error")
	}
}

func TestExecuteBlockSkipRestTruncates(t *testing.T) {
	base := storeview.NewMapView(nil)

	block := []blockstm.Transaction{
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status { return writeStatus("a", []byte("1")) }),
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status {
			return vm.Status{Kind: vm.SkipRest, Out: fakeOutput{}}
		}),
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status { return writeStatus("c", []byte("1")) }),
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status { return writeStatus("d", []byte("1")) }),
	}

	d := blockstm.NewDriver(scriptedFactory{}, base, blockstm.Config{ConcurrencyLevel: 4})
	results, err := d.ExecuteBlock(block)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != len(block) {
		t.Fatalf("got %d results, want %d", len(results), len(block))
	}
	if results[1].Status.Kind != vm.SkipRest {
		t.Fatalf("tx 1 status = %+v, want SkipRest", results[1].Status)
	}
	for i := 2; i < len(results); i++ {
		if results[i].Status.Kind != vm.SkipRest || results[i].Status.Out != nil {
			t.Fatalf("tx %d should be the discard sentinel, got %+v", i, results[i].Status)
		}
	}
}

func TestExecuteBlockModuleConflictFallsBackSequential(t *testing.T) {
	base := storeview.NewMapView(nil)

	moduleKey := blockstm.Key{Path: "mod-a", Module: true}

	block := []blockstm.Transaction{
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status {
			_, _, _ = r.Get(moduleKey)
			return writeStatus("a", []byte("1"))
		}),
		scriptedTxn(func(r vm.Reader, _ bool) vm.Status {
			return vm.Status{Kind: vm.Success, Out: fakeOutput{writes: []blockstm.WriteDescriptor{
				{Key: moduleKey, Write: blockstm.WriteOp{Value: []byte("new-code")}},
			}}}
		}),
	}

	d := blockstm.NewDriver(scriptedFactory{}, base, blockstm.Config{ConcurrencyLevel: 4})
	results, err := d.ExecuteBlock(block)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
}

func TestExecuteBlockSequentialRejectsUnmaterializedDeltas(t *testing.T) {
	base := storeview.NewMapView(map[string][]byte{"counter": uint256.NewInt(0).Bytes()})

	block := []blockstm.Transaction{
		scriptedTxn(func(r vm.Reader, materializeDeltas bool) vm.Status {
			return vm.Status{Kind: vm.Success, Out: fakeOutput{deltas: []blockstm.WriteDescriptor{
				{Key: blockstm.Key{Path: "counter"}, Delta: blockstm.Delta{Kind: blockstm.DeltaAdd, Arg: u256(1)}, IsDelta: true},
			}}}
		}),
	}

	d := blockstm.NewDriver(scriptedFactory{}, base, blockstm.Config{ConcurrencyLevel: 1})

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("want panic: sequential execution must not emit deltas")
		}
	}()
	_, _ = d.ExecuteBlock(block)
}

package blockstm

import (
	"context"
	"fmt"
	"runtime"

	"github.com/JekaMas/workerpool"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/maticnetwork/blockstm-core/vm"
)

var tracer = otel.Tracer("blockstm")

// TxResult is one transaction's contribution to the block output: its
// VM status, and - only for keys it touched with a Delta - the
// concrete writes those deltas resolved to (spec.md §6).
type TxResult struct {
	Status         vm.Status
	ResolvedDeltas []WriteDescriptor
}

// skipSentinel marks a transaction whose work was discarded because an
// earlier SkipRest truncated the block.
var skipSentinel = vm.Status{Kind: vm.SkipRest}

// Driver spawns workers, runs the EXECUTE/VALIDATE task loop to
// completion, and materializes the final block output, per spec.md
// §4.5.
type Driver struct {
	factory vm.Factory
	base    BaseView
	cfg     Config

	lastTxIO *TxnInputOutput
}

// NewDriver builds a driver for one block executor factory against a
// fixed base view.
func NewDriver(factory vm.Factory, base BaseView, cfg Config) *Driver {
	return &Driver{factory: factory, base: base, cfg: cfg.normalize()}
}

// ExecuteBlock runs txns to completion and returns their outputs in
// order, per spec.md §4.5.
func (d *Driver) ExecuteBlock(txns []Transaction) ([]TxResult, error) {
	if len(txns) == 0 {
		return nil, nil
	}

	if d.cfg.ConcurrencyLevel <= 1 {
		return d.executeSequential(txns)
	}

	txio, mvds := d.executeParallel(txns)
	d.lastTxIO = txio

	if txio.ModulePublishingMayRace() {
		log.Warn(ErrModulePathReadWrite{}.Error())
		return d.executeSequential(txns)
	}

	return d.finalize(txns, txio, mvds)
}

// LastIO exposes the most recent parallel run's I/O log, for diagnostic
// callers such as BuildDependencyGraph. Nil after a sequential-only run.
func (d *Driver) LastIO() *TxnInputOutput { return d.lastTxIO }

// executeParallel spawns Config.ConcurrencyLevel workers in a bounded,
// scoped pool (spec.md §9: "a work-stealing thread pool ... with scoped
// spawning so the driver's scope bounds worker lifetimes") and runs the
// EXECUTE/VALIDATE loop until the scheduler reports Done.
func (d *Driver) executeParallel(txns []Transaction) (*TxnInputOutput, *MVDS) {
	l := len(txns)
	mvds := NewMVDS()
	txio := NewTxnInputOutput(l)
	sched := NewScheduler(l)

	wp := workerpool.New(d.cfg.ConcurrencyLevel)
	errCh := make(chan error, d.cfg.ConcurrencyLevel)

	for w := 0; w < d.cfg.ConcurrencyLevel; w++ {
		wp.Submit(func() {
			errCh <- d.runWorker(sched, mvds, txio, txns)
		})
	}

	wp.StopWait()
	close(errCh)

	log.Info("blockstm: scheduler done", "txs", l, "workers", d.cfg.ConcurrencyLevel)

	for err := range errCh {
		if err != nil {
			// Scheduler/MVDS internal inconsistencies are fatal
			// (spec.md §7); a worker panic is converted to an error by
			// runWorker's recover so it can be re-raised here instead
			// of taking down an unrelated goroutine mid-unwind.
			panic(err)
		}
	}

	return txio, mvds
}

// runWorker initializes one worker-local VM instance and runs the task
// loop until Done, chaining EXECUTE->VALIDATE->(abort)->EXECUTE
// directly via the task guard whenever the scheduler hands back a
// follow-on task, per spec.md §4.4.
func (d *Driver) runWorker(sched *Scheduler, mvds *MVDS, txio *TxnInputOutput, txns []Transaction) (err error) {
	task := d.factory.Init(nil)

	var current Task
	var guard *TaskGuard

	defer func() {
		if r := recover(); r != nil {
			guard.Release()
			err = fmt.Errorf("blockstm: worker panic: %v", r)
		}
	}()

	for {
		if current.Kind == TaskNoTask {
			current, guard = sched.NextTask()
		}

		switch current.Kind {
		case TaskDone:
			return nil
		case TaskNoTask:
			runtime.Gosched()
			continue
		case TaskExecution:
			current, guard = d.runExecute(current.Index, current.Incarnation, guard, sched, mvds, txio, task, txns)
		case TaskValidation:
			current, guard = d.runValidate(current.Index, current.Incarnation, guard, sched, mvds, txio)
		}
	}
}

// runExecute is the EXECUTE task detail from spec.md §4.5.
func (d *Driver) runExecute(i TxnIndex, n Incarnation, guard *TaskGuard, sched *Scheduler, mvds *MVDS, txio *TxnInputOutput, task vm.Task, txns []Transaction) (Task, *TaskGuard) {
	_, span := tracer.Start(context.Background(), "blockstm.execute", trace.WithAttributes(
		attribute.Int("txIndex", i), attribute.Int("txIncarnation", n)))
	defer span.End()

	prev := txio.ModifiedKeys(i)
	rv := newReadView(mvds, d.base, sched, i)

	status := task.Execute(rv, txns[i], i, false)

	wroteOutside := false
	var writes, deltas []WriteDescriptor

	apply := func(w WriteDescriptor) {
		if _, existed := prev[w.Key.Path]; existed {
			delete(prev, w.Key.Path)
		} else {
			wroteOutside = true
		}
		if w.IsDelta {
			mvds.AddDelta(w.Key, i, n, w.Delta)
		} else {
			mvds.AddWrite(w.Key, Version{TxnIndex: i, Incarnation: n}, w.Write)
		}
	}

	switch status.Kind {
	case vm.Success, vm.SkipRest:
		if status.Out != nil {
			writes = status.Out.Writes()
			deltas = status.Out.Deltas()
		}
		for _, w := range writes {
			apply(w)
		}
		for _, w := range deltas {
			apply(w)
		}
	}

	for _, stale := range prev {
		mvds.Delete(stale.Key, i)
	}

	statusKind := StatusEmpty
	var abortErr error
	switch status.Kind {
	case vm.Success:
		statusKind = StatusSuccess
	case vm.SkipRest:
		statusKind = StatusSkipRest
	case vm.Abort:
		statusKind = StatusAbort
		abortErr = status.Err
	}

	txio.Record(i, rv.ReadSet(), ExecutionStatus{Kind: statusKind, Out: status.Out, Abort: abortErr}, writes, deltas)

	return sched.FinishExecution(i, n, wroteOutside, guard)
}

// runValidate is the VALIDATE task detail from spec.md §4.5.
func (d *Driver) runValidate(i TxnIndex, n Incarnation, guard *TaskGuard, sched *Scheduler, mvds *MVDS, txio *TxnInputOutput) (Task, *TaskGuard) {
	_, span := tracer.Start(context.Background(), "blockstm.validate", trace.WithAttributes(
		attribute.Int("txIndex", i), attribute.Int("txIncarnation", n)))
	defer span.End()

	reads := txio.ReadSet(i)
	if ValidateReadSet(mvds, i, reads) {
		sched.FinishValidation(i, n)
		guard.Release()
		return Task{Kind: TaskNoTask}, nil
	}

	if !sched.TryAbort(i, n) {
		// Another worker already raced this abort; nothing more to do.
		guard.Release()
		return Task{Kind: TaskNoTask}, nil
	}

	for _, w := range txio.ModifiedKeys(i) {
		mvds.MarkEstimate(w.Key, i)
	}

	return sched.FinishAbort(i, n, guard)
}

// executeSequential runs the VM in order against a plain map,
// materializing deltas inline, per spec.md §4.5.
func (d *Driver) executeSequential(txns []Transaction) ([]TxResult, error) {
	task := d.factory.Init(nil)
	data := make(map[string][]byte)
	present := make(map[string]bool)

	baseGet := func(k Key) ([]byte, bool) {
		if v, ok := data[k.Path]; ok {
			return v, present[k.Path]
		}
		return d.base.Get(k)
	}

	results := make([]TxResult, 0, len(txns))

	for i, txn := range txns {
		reader := sequentialReader{get: baseGet}
		status := task.Execute(reader, txn, i, true)

		switch status.Kind {
		case vm.Success, vm.SkipRest:
			if status.Out != nil {
				if len(status.Out.Deltas()) != 0 {
					panic(fmt.Sprintf("blockstm: sequential execution must materialize deltas, but tx %d emitted %d", i, len(status.Out.Deltas())))
				}
				for _, w := range status.Out.Writes() {
					if w.Write.Deleted {
						data[w.Key.Path] = nil
						present[w.Key.Path] = false
					} else {
						data[w.Key.Path] = w.Write.Value
						present[w.Key.Path] = true
					}
				}
			}
			results = append(results, TxResult{Status: status})
			if status.Kind == vm.SkipRest {
				for j := i + 1; j < len(txns); j++ {
					results = append(results, TxResult{Status: skipSentinel})
				}
				return results, nil
			}
		case vm.Abort:
			return nil, UserError{Index: i, Err: status.Err}
		}
	}

	return results, nil
}

type sequentialReader struct {
	get func(Key) ([]byte, bool)
}

func (r sequentialReader) Get(k Key) ([]byte, bool, error) {
	v, ok := r.get(k)
	return v, ok, nil
}

// finalize walks the committed I/O log in order (spec.md §4.5 step 4),
// then resolves every outstanding Delta in block order against the
// base view (step 5). After a SkipRest, only the transactions up to and
// including it receive resolved deltas.
func (d *Driver) finalize(txns []Transaction, txio *TxnInputOutput, mvds *MVDS) ([]TxResult, error) {
	l := len(txns)
	results := make([]TxResult, 0, l)
	cut := l

collect:
	for i := 0; i < l; i++ {
		out := txio.TakeOutput(i)
		switch out.Kind {
		case StatusSuccess:
			results = append(results, TxResult{Status: vm.Status{Kind: vm.Success, Out: out.Out}})
		case StatusSkipRest:
			results = append(results, TxResult{Status: vm.Status{Kind: vm.SkipRest, Out: out.Out}})
			for j := len(results); j < l; j++ {
				results = append(results, TxResult{Status: skipSentinel})
			}
			cut = i + 1
			break collect
		case StatusAbort:
			return nil, UserError{Index: i, Err: out.Abort}
		default:
			return nil, fmt.Errorf("blockstm: missing committed output at index %d", i)
		}
	}

	resolved := resolveDeltas(mvds, d.base, cut)
	for i := range resolved {
		results[i].ResolvedDeltas = resolved[i]
	}
	return results, nil
}

// keyDelta is one key's resolved delta writes, indexed by the
// transaction that produced each one.
type keyDelta struct {
	index TxnIndex
	write WriteDescriptor
}

// resolveDeltas folds every key's history in ascending (block) order
// against the base view, producing, per transaction index, the
// concrete writes its deltas resolved to. Keys are independent of one
// another, so the fold runs one goroutine per key via errgroup and
// merges into the per-transaction slices afterward. An overflow
// surviving all the way to final materialization is fatal (spec.md
// §7): it can only mean a real overflow, since speculative overflows
// are re-validated away by the scheduler before commit.
func resolveDeltas(mvds *MVDS, base BaseView, l int) [][]WriteDescriptor {
	keys := mvds.Keys()
	perKey := make([][]keyDelta, len(keys))

	g, _ := errgroup.WithContext(context.Background())
	for idx, k := range keys {
		idx, k := idx, k
		g.Go(func() error {
			perKey[idx] = resolveKeyDeltas(mvds, base, k, l)
			return nil
		})
	}
	_ = g.Wait() // resolveKeyDeltas never returns an error; it panics on overflow

	perTx := make([][]WriteDescriptor, l)
	for _, kds := range perKey {
		for _, kd := range kds {
			perTx[kd.index] = append(perTx[kd.index], kd.write)
		}
	}
	return perTx
}

func resolveKeyDeltas(mvds *MVDS, base BaseView, k Key, l int) []keyDelta {
	history := mvds.History(k)
	if len(history) == 0 {
		return nil
	}

	current, _ := base.Get(k)
	var out []keyDelta

	for _, e := range history {
		switch e.Kind {
		case entryWrite:
			if e.Write.Deleted {
				current = nil
			} else {
				current = e.Write.Value
			}
		case entryDelta:
			resolved, err := e.Delta.Apply(current, k)
			if err != nil {
				log.Error("blockstm: delta application failure materializing key", "key", k.Path, "tx", e.Index, "err", err)
				panic(fmt.Sprintf("blockstm: delta application failure materializing key %q at tx %d: %v", k.Path, e.Index, err))
			}
			current = resolved
			if e.Index < l {
				out = append(out, keyDelta{index: e.Index, write: WriteDescriptor{Key: k, Write: WriteOp{Value: resolved}}})
			}
		}
	}

	return out
}

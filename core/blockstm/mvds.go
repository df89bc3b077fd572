package blockstm

import (
	"sync"
	"time"

	"github.com/cosmos/cosmos-sdk/telemetry"
)

// MVDS is the multi-version data store: a per-key versioned log of
// writes and deltas, with read resolution that surfaces dependencies on
// in-flight producers instead of blocking internally (spec.md §4.1).
//
// Reads and writes on different keys never contend: the top-level map
// is guarded by a RWMutex only for the rare case of first-touch on a
// key (mirroring the teacher's Store.tryInitMultiVersionItem), while
// all per-key traffic after that goes through the key's own lock.
type MVDS struct {
	mu   sync.RWMutex
	data map[string]*mvValue
}

// NewMVDS constructs an empty multi-version data store.
func NewMVDS() *MVDS {
	return &MVDS{data: make(map[string]*mvValue)}
}

func (m *MVDS) valueFor(k Key) *mvValue {
	m.mu.RLock()
	v, ok := m.data[k.Path]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[k.Path]; ok {
		return v
	}
	v = newMVValue()
	m.data[k.Path] = v
	return v
}

// existingValueFor returns the per-key history without creating one, or
// nil if the key has never been touched.
func (m *MVDS) existingValueFor(k Key) *mvValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[k.Path]
}

// AddWrite inserts or replaces the entry at i with Write(n, v),
// clearing any Estimate flag (a fresh write is authoritative).
func (m *MVDS) AddWrite(k Key, ver Version, w WriteOp) {
	m.valueFor(k).setWrite(ver.TxnIndex, ver.Incarnation, w)
}

// AddDelta inserts, or composes with an existing same-producer delta
// at, index i.
func (m *MVDS) AddDelta(k Key, i TxnIndex, n Incarnation, d Delta) {
	m.valueFor(k).setDelta(i, n, d)
}

// Delete removes the entry at i (used when a re-execution no longer
// touches the key).
func (m *MVDS) Delete(k Key, i TxnIndex) {
	if v := m.existingValueFor(k); v != nil {
		v.remove(i)
	}
}

// MarkEstimate flags the entry at i as potentially stale.
func (m *MVDS) MarkEstimate(k Key, i TxnIndex) {
	if v := m.existingValueFor(k); v != nil {
		v.markEstimate(i)
	}
}

// Read resolves the value visible to transaction i at key k, per the
// backward-walk algorithm in spec.md §4.1.
func (m *MVDS) Read(k Key, i TxnIndex) (ReadResult, error) {
	defer telemetry.MeasureSince(time.Now(), "blockstm", "mvds", "read")

	v := m.existingValueFor(k)
	if v == nil {
		return ReadResult{}, ErrNotFound{}
	}

	below := v.snapshotBelow(i)
	if len(below) == 0 {
		return ReadResult{}, ErrNotFound{}
	}

	var accumulated Delta
	haveDelta := false

	for _, ie := range below {
		j, entry := ie.index, ie.entry

		if entry.estimate {
			return ReadResult{}, ErrDependency{TxnIndex: j}
		}

		if entry.kind == entryDelta {
			if haveDelta {
				accumulated = Compose(entry.delta, accumulated)
			} else {
				accumulated = entry.delta
				haveDelta = true
			}
			continue
		}

		// entryWrite: this is the nearest committed write below i.
		value := entry.write.Value
		if entry.write.Deleted {
			value = nil
		}

		if haveDelta {
			resolved, err := accumulated.Apply(value, k)
			if err != nil {
				return ReadResult{}, err
			}
			value = resolved
		}

		return ReadResult{
			Kind:    ReadVersion,
			Version: Version{TxnIndex: j, Incarnation: entry.incarnation},
			Value:   value,
		}, nil
	}

	// Walked off the beginning of the history with only deltas seen.
	return ReadResult{Kind: ReadUnresolved, Delta: accumulated}, nil
}

// Keys returns every key the MVDS has ever seen a write or delta for,
// used by the driver to fold outstanding deltas in block order.
func (m *MVDS) Keys() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]Key, 0, len(m.data))
	for path := range m.data {
		keys = append(keys, Key{Path: path})
	}
	return keys
}

// History returns a snapshot of the entries at key k in ascending index
// order, used by the delta resolver.
func (m *MVDS) History(k Key) []struct {
	Index TxnIndex
	Kind  entryKind
	Write WriteOp
	Delta Delta
} {
	v := m.existingValueFor(k)
	if v == nil {
		return nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]struct {
		Index TxnIndex
		Kind  entryKind
		Write WriteOp
		Delta Delta
	}, 0, len(v.indices))

	for _, i := range v.indices {
		e := v.entries[i]
		out = append(out, struct {
			Index TxnIndex
			Kind  entryKind
			Write WriteOp
			Delta Delta
		}{Index: i, Kind: e.kind, Write: e.write, Delta: e.delta})
	}
	return out
}

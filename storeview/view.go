// Package storeview provides the out-of-scope base storage view
// collaborator (spec.md §6: "deterministic, read-only") and a simple
// in-memory implementation used by the core's own tests.
package storeview

import (
	"sync"

	"github.com/maticnetwork/blockstm-core/core/blockstm"
)

// MapView is a deterministic, read-only, in-memory base view backed by
// a plain map. Production callers wrap their own committed-state store
// behind blockstm.BaseView instead.
type MapView struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMapView builds a base view pre-seeded with data.
func NewMapView(data map[string][]byte) *MapView {
	cp := make(map[string][]byte, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return &MapView{data: cp}
}

// Get implements blockstm.BaseView.
func (m *MapView) Get(k blockstm.Key) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[k.Path]
	return v, ok
}

// Set installs a value directly, used by tests to build fixtures.
func (m *MapView) Set(k blockstm.Key, v []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[k.Path] = v
}

var _ blockstm.BaseView = (*MapView)(nil)

package blockstm

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/heimdalr/dag"
)

// DependencyGraph wraps a heimdalr/dag.DAG whose vertices are
// transaction indices and whose edges point from a producer to every
// later transaction that read one of its written keys. It is a
// diagnostic built after the fact from a committed TxnInputOutput, not
// part of the hot scheduling path.
type DependencyGraph struct {
	*dag.DAG
}

// hasReadDep reports whether any key producer wrote is read by reader.
func hasReadDep(producer map[string]WriteDescriptor, reader []ReadDescriptor) bool {
	for _, r := range reader {
		if _, ok := producer[r.Key.Path]; ok {
			return true
		}
	}
	return false
}

// BuildDependencyGraph reconstructs the read-after-write dependency
// graph among a committed block's transactions, for offline reporting
// (e.g. computing the longest dependency chain to see how much
// parallelism a block actually had).
func BuildDependencyGraph(txio *TxnInputOutput) DependencyGraph {
	g := DependencyGraph{dag.NewDAG()}
	ids := make(map[int]string, len(txio.cells))

	vertex := func(i int) string {
		if id, ok := ids[i]; ok {
			return id
		}
		id, _ := g.AddVertex(i)
		ids[i] = id
		return id
	}

	for i := len(txio.cells) - 1; i > 0; i-- {
		reads := txio.ReadSet(i)
		toID := vertex(i)

		for j := i - 1; j >= 0; j-- {
			produced := txio.ModifiedKeys(j)
			if len(produced) == 0 {
				continue
			}
			if hasReadDep(produced, reads) {
				fromID := vertex(j)
				if err := g.AddEdge(fromID, toID); err != nil {
					log.Warn("blockstm: failed to add dependency edge", "from", j, "to", i, "err", err)
				}
			}
		}
	}

	return g
}

// Dependencies returns, for every transaction index with at least one
// read-after-write dependency, the indices of the transactions it
// depends on.
func Dependencies(txio *TxnInputOutput) map[int][]int {
	deps := map[int][]int{}

	for i := len(txio.cells) - 1; i > 0; i-- {
		reads := txio.ReadSet(i)

		for j := i - 1; j >= 0; j-- {
			produced := txio.ModifiedKeys(j)
			if len(produced) == 0 {
				continue
			}
			if hasReadDep(produced, reads) {
				deps[i] = append(deps[i], j)
			}
		}
	}

	return deps
}

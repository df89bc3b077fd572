package blockstm

import (
	"fmt"

	"github.com/holiman/uint256"
)

// WriteOp is a full replacement value for a key, or a tombstone when
// Deleted is set (mirrors the teacher's WriteSet semantics of a nil
// value meaning delete).
type WriteOp struct {
	Value   []byte
	Deleted bool
}

// DeltaKind is the commutative merge operator carried by a Delta.
type DeltaKind uint8

const (
	DeltaAdd DeltaKind = iota
	DeltaSub
)

// Delta is a commutative integer aggregation deferred past speculative
// abort boundaries. It is applied against a u128 register (represented
// with uint256.Int, whose top bits are never used) and is bounded to
// [0, Limit]: an application that would leave that range is a
// DeltaApplicationFailure, neither a wrap nor a silent clamp. A zero
// Limit stands for the u128 maximum.
type Delta struct {
	Kind  DeltaKind
	Arg   uint256.Int
	Limit uint256.Int
}

// signed returns the delta's net effect as a signed magnitude so two
// deltas from different producers can be folded together regardless of
// the order they were produced in.
func (d Delta) signed() (neg bool, mag uint256.Int) {
	if d.Kind == DeltaSub {
		return true, d.Arg
	}
	return false, d.Arg
}

// Compose merges an earlier delta (closer to the base value) with a
// later one into a single equivalent delta, per the law
// apply(d2, apply(d1, b)) == apply(compose(d1, d2), b).
func Compose(earlier, later Delta) Delta {
	negA, magA := earlier.signed()
	negB, magB := later.signed()

	var sum uint256.Int
	var neg bool

	switch {
	case negA == negB:
		sum = magA
		sum.Add(&sum, &magB)
		neg = negA
	case magA.Cmp(&magB) >= 0:
		sum = magA
		sum.Sub(&sum, &magB)
		neg = negA
	default:
		sum = magB
		sum.Sub(&sum, &magA)
		neg = negB
	}

	limit := earlier.Limit
	if later.Limit.Cmp(&earlier.Limit) != 0 && !later.Limit.IsZero() {
		limit = later.Limit
	}

	kind := DeltaAdd
	if neg {
		kind = DeltaSub
	}
	return Delta{Kind: kind, Arg: sum, Limit: limit}
}

// ErrDeltaApplicationFailure is returned when applying a delta (or a
// composed chain of deltas) to a base value would push the u128
// register outside [0, Limit].
type ErrDeltaApplicationFailure struct {
	Key Key
}

func (e ErrDeltaApplicationFailure) Error() string {
	return fmt.Sprintf("blockstm: delta application failure on key %q", e.Key.Path)
}

// maxU128 is the register bound used when a Delta has a zero Limit.
var maxU128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// Apply applies d to base (interpreted as a big-endian u128 register)
// and returns the resulting register bytes, or
// ErrDeltaApplicationFailure if the result over/underflows [0, Limit].
func (d Delta) Apply(base []byte, key Key) ([]byte, error) {
	var b uint256.Int
	b.SetBytes(base)

	neg, mag := d.signed()

	var out uint256.Int
	if neg {
		if mag.Cmp(&b) > 0 {
			return nil, ErrDeltaApplicationFailure{Key: key}
		}
		out.Sub(&b, &mag)
	} else {
		limit := d.Limit
		if limit.IsZero() {
			limit = *maxU128
		}
		overflow := out.AddOverflow(&b, &mag)
		if overflow || out.Cmp(&limit) > 0 {
			return nil, ErrDeltaApplicationFailure{Key: key}
		}
	}

	buf := out.Bytes()
	return buf, nil
}

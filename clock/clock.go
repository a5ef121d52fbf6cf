package clock

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/drpcorg/replika/protocol"
)

// Clock is a causal clock: the max counter seen from each known replica.
// A replica only ever increments its own entry; merging two clocks takes
// the pointwise maximum.
type Clock map[uint64]uint64

// Replica ids fit 32 bits; zero is reserved for read-only observers and
// is not a valid event source.
const MaxSrc = (uint64(1) << 32) - 1

var (
	ErrBadSrc       = errors.New("clock: invalid replica id")
	ErrIncompatible = errors.New("clock: incompatible clocks")
	ErrBadVRecord   = errors.New("clock: bad V record")
)

func New() Clock {
	return make(Clock)
}

func (c Clock) Get(src uint64) uint64 {
	return c[src]
}

func (c Clock) Clone() Clock {
	n := make(Clock, len(c))
	for src, pro := range c {
		n[src] = pro
	}
	return n
}

// Put the src-pro pair to the clock, returns whether it was
// unseen (i.e. made any difference).
func (c Clock) Put(src, pro uint64) bool {
	pre, ok := c[src]
	if ok && pre >= pro {
		return false
	}
	c[src] = pro
	return true
}

func validSrc(src uint64) bool {
	return src != 0 && src <= MaxSrc
}

// Tick increments the replica's own entry and returns the new timestamp
// together with a snapshot of the full clock. Successive ticks strictly
// increase the entry.
func (c Clock) Tick(src uint64) (ts Timestamp, snap Clock, err error) {
	if !validSrc(src) {
		return Timestamp{}, nil, ErrBadSrc
	}
	c[src]++
	snap = c.Clone()
	ts = Timestamp{Src: src, At: snap}
	return
}

// Merge takes the pointwise maximum of the two clocks. Neither input is
// mutated. Fails if either clock carries a structurally invalid entry,
// as the maximum is undefined over reused or reserved ids.
func Merge(local, remote Clock) (Clock, error) {
	merged := make(Clock, len(local)+len(remote))
	for src, pro := range local {
		if !validSrc(src) {
			return nil, ErrIncompatible
		}
		merged[src] = pro
	}
	for src, pro := range remote {
		if !validSrc(src) {
			return nil, ErrIncompatible
		}
		if merged[src] < pro {
			merged[src] = pro
		}
	}
	return merged, nil
}

// Covers is the partial order on clocks: every entry of b is <= ours.
func (c Clock) Covers(b Clock) bool {
	for src, bpro := range b {
		if bpro > c[src] {
			return false
		}
	}
	return true
}

// ProgressedOver reports whether this clock has seen anything b has not.
func (c Clock) ProgressedOver(b Clock) bool {
	for src, pro := range c {
		bpro, ok := b[src]
		if !ok || pro > bpro {
			return true
		}
	}
	return false
}

// InterestOver returns, for each source this clock is ahead on, the
// point b has reached. That is what b needs to catch up from.
func (c Clock) InterestOver(b Clock) Clock {
	ahead := make(Clock)
	for src, pro := range c {
		bpro, ok := b[src]
		if !ok || pro > bpro {
			ahead[src] = bpro
		}
	}
	return ahead
}

func (c Clock) Equal(b Clock) bool {
	return c.Covers(b) && b.Covers(c)
}

// Ordering is the outcome of comparing two timestamps: either one
// causally precedes the other, they are the same instant, or neither
// covers the other (concurrent).
type Ordering int

const (
	Before Ordering = iota - 1
	Equal
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Before:
		return "Before"
	case Equal:
		return "Equal"
	case After:
		return "After"
	default:
		return "Concurrent"
	}
}

// Timestamp is a named clock snapshot attached to an event.
type Timestamp struct {
	Src uint64
	At  Clock
}

// Compare orders two timestamps by pointwise comparison of their
// underlying clocks. O(number of known replicas).
func Compare(a, b Timestamp) Ordering {
	return CompareClocks(a.At, b.At)
}

func CompareClocks(a, b Clock) Ordering {
	ab := a.Covers(b)
	ba := b.Covers(a)
	switch {
	case ab && ba:
		return Equal
	case ab:
		return After
	case ba:
		return Before
	default:
		return Concurrent
	}
}

// Dominates is a shortcut for Compare(a, b) == After.
func Dominates(a, b Timestamp) bool {
	return Compare(a, b) == After
}

// TLV form: a sequence of 'V' records, each a zipped (pro, src) pair,
// sources sorted. Nil for an empty clock.
func (c Clock) TLV() (ret []byte) {
	srcs := make([]uint64, 0, len(c))
	for src := range c {
		srcs = append(srcs, src)
	}
	slices.Sort(srcs)
	for _, src := range srcs {
		ret = protocol.Append(ret, 'V', ZipUint64Pair(c[src], src))
	}
	return
}

// PutTLV merges a TLV clock record into this clock.
func (c Clock) PutTLV(rec []byte) (err error) {
	rest := rec
	for len(rest) > 0 {
		var val []byte
		val, rest, err = protocol.TakeWary('V', rest)
		if err != nil {
			return ErrBadVRecord
		}
		pro, src := UnzipUint64Pair(val)
		c.Put(src, pro)
	}
	return nil
}

func FromTLV(tlv []byte) (Clock, error) {
	c := make(Clock)
	if err := c.PutTLV(tlv); err != nil {
		return nil, err
	}
	return c, nil
}

// String renders the clock as "src-pro,src-pro", hex, sources sorted.
func (c Clock) String() string {
	srcs := make([]uint64, 0, len(c))
	for src := range c {
		srcs = append(srcs, src)
	}
	slices.Sort(srcs)
	parts := make([]string, 0, len(srcs))
	for _, src := range srcs {
		parts = append(parts, fmt.Sprintf("%x-%x", src, c[src]))
	}
	return strings.Join(parts, ",")
}

func FromString(txt string) (Clock, error) {
	c := make(Clock)
	if txt == "" {
		return c, nil
	}
	for _, part := range strings.Split(txt, ",") {
		var src, pro uint64
		if _, err := fmt.Sscanf(part, "%x-%x", &src, &pro); err != nil {
			return nil, fmt.Errorf("clock: bad entry %q: %w", part, err)
		}
		c.Put(src, pro)
	}
	return c, nil
}

package replika

import (
	"errors"

	"github.com/drpcorg/replika/clock"
	"github.com/drpcorg/replika/protocol"
	"github.com/drpcorg/replika/store"
)

var (
	ErrBadHPacket = errors.New("replika: bad handshake packet")
	ErrBadOPacket = errors.New("replika: bad op packet")
)

// Op is one replicated update: a new version of a key, stamped with the
// emitting source, its per-source sequence number, a content ref of the
// version it was made against, and a causal clock snapshot taken at
// emission. Ops are relayed verbatim between replicas, so the log of a
// well-connected replica carries ops from every source it ever synced
// with.
type Op struct {
	Src         uint64
	Seq         uint64
	Key         string
	ContentType string
	Base        store.Ref
	Value       []byte
	Clock       clock.Clock
}

// TLV layout of an op body: T{seq,src} K(key) C(ctype) R(base) D(value) V(clock)
func (op *Op) TLV() []byte {
	ret := protocol.TinyRecord('T', clock.ZipUint64Pair(op.Seq, op.Src))
	ret = protocol.Append(ret, 'K', []byte(op.Key))
	ret = protocol.Append(ret, 'C', []byte(op.ContentType))
	ret = append(ret, protocol.TinyRecord('R', clock.ZipUint64(uint64(op.Base)))...)
	ret = protocol.Append(ret, 'D', op.Value)
	ret = protocol.Append(ret, 'V', op.Clock.TLV())
	return ret
}

func ParseOp(body []byte) (op Op, err error) {
	var val, rest []byte
	if val, rest, err = protocol.TakeWary('T', body); err != nil {
		return Op{}, ErrBadOPacket
	}
	op.Seq, op.Src = clock.UnzipUint64Pair(val)
	if val, rest, err = protocol.TakeWary('K', rest); err != nil {
		return Op{}, ErrBadOPacket
	}
	op.Key = string(val)
	if val, rest, err = protocol.TakeWary('C', rest); err != nil {
		return Op{}, ErrBadOPacket
	}
	op.ContentType = string(val)
	if val, rest, err = protocol.TakeWary('R', rest); err != nil {
		return Op{}, ErrBadOPacket
	}
	op.Base = store.Ref(clock.UnzipUint64(val))
	if val, rest, err = protocol.TakeWary('D', rest); err != nil {
		return Op{}, ErrBadOPacket
	}
	op.Value = val
	if val, _, err = protocol.TakeWary('V', rest); err != nil {
		return Op{}, ErrBadOPacket
	}
	if op.Clock, err = clock.FromTLV(val); err != nil {
		return Op{}, ErrBadOPacket
	}
	return op, nil
}

// weight orders ops causally: an op's clock snapshot sums strictly more
// than any of its causal predecessors', so sorting by weight yields a
// valid application order. Ties are concurrent and safe either way.
func (op *Op) weight() (sum uint64) {
	for _, pro := range op.Clock {
		sum += pro
	}
	return
}

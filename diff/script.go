package diff

import "github.com/cespare/xxhash"

type OpKind byte

const (
	OpCopy OpKind = iota
	OpInsert
	OpDelete
)

// Op is one step of an edit script. Copy and Delete consume N bytes of
// the source and carry the xxhash of the region they expect there;
// Insert contributes its payload to the output.
type Op struct {
	Kind   OpKind
	N      int
	Data   []byte
	Anchor uint64
}

// Script is an ordered sequence of edit operations taking one content
// blob to another. Immutable once produced.
type Script struct {
	ops    []Op
	srcLen int
}

func newScript(ops []Op, srcLen int) Script {
	return Script{ops: ops, srcLen: srcLen}
}

func (s Script) Len() int {
	return len(s.ops)
}

func (s Script) Ops() []Op {
	out := make([]Op, len(s.ops))
	copy(out, s.ops)
	return out
}

// Apply replays the script against content. Preconditions (source
// length, per-region anchor hashes) are verified before any byte of a
// region is emitted; a mismatch returns ErrIncompatible.
func (s Script) Apply(content []byte) ([]byte, error) {
	if len(content) != s.srcLen {
		return nil, ErrIncompatible
	}
	out := make([]byte, 0, len(content))
	pos := 0
	for _, op := range s.ops {
		switch op.Kind {
		case OpCopy, OpDelete:
			if pos+op.N > len(content) {
				return nil, ErrIncompatible
			}
			region := content[pos : pos+op.N]
			if xxhash.Sum64(region) != op.Anchor {
				return nil, ErrIncompatible
			}
			if op.Kind == OpCopy {
				out = append(out, region...)
			}
			pos += op.N
		case OpInsert:
			out = append(out, op.Data...)
		}
	}
	if pos != len(content) {
		return nil, ErrIncompatible
	}
	return out, nil
}

func anchorOp(kind OpKind, region []byte) Op {
	return Op{Kind: kind, N: len(region), Anchor: xxhash.Sum64(region)}
}

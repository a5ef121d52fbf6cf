package diff

import "bytes"

// Histogram-style diff over token sequences: anchor on the rarest token
// common to both sides, split, recurse. Minimizes edit distance on
// typical inputs without the quadratic table of full LCS.

type token struct {
	text []byte
	hash uint64
}

func tokensEqual(a, b token) bool {
	return a.hash == b.hash && bytes.Equal(a.text, b.text)
}

type chunk struct {
	kind OpKind
	toks []token
}

func diffTokens(a, b []token, out []chunk) []chunk {
	p := 0
	for p < len(a) && p < len(b) && tokensEqual(a[p], b[p]) {
		p++
	}
	if p > 0 {
		out = append(out, chunk{OpCopy, a[:p]})
		a, b = a[p:], b[p:]
	}
	s := 0
	for s < len(a) && s < len(b) && tokensEqual(a[len(a)-1-s], b[len(b)-1-s]) {
		s++
	}
	var suffix []token
	if s > 0 {
		suffix = a[len(a)-s:]
		a, b = a[:len(a)-s], b[:len(b)-s]
	}
	switch {
	case len(a) == 0 && len(b) == 0:
		// nothing between prefix and suffix
	case len(a) == 0:
		out = append(out, chunk{OpInsert, b})
	case len(b) == 0:
		out = append(out, chunk{OpDelete, a})
	default:
		ai, bi, ok := rarestCommon(a, b)
		if ok {
			out = diffTokens(a[:ai], b[:bi], out)
			out = append(out, chunk{OpCopy, a[ai : ai+1]})
			out = diffTokens(a[ai+1:], b[bi+1:], out)
		} else {
			out = append(out, chunk{OpDelete, a}, chunk{OpInsert, b})
		}
	}
	if s > 0 {
		out = append(out, chunk{OpCopy, suffix})
	}
	return out
}

// rarestCommon picks the token shared by both sides with the lowest
// combined occurrence count and returns its first position on each side.
func rarestCommon(a, b []token) (ai, bi int, ok bool) {
	inA := make(map[uint64]int, len(a))
	for _, t := range a {
		inA[t.hash]++
	}
	inB := make(map[uint64]int, len(b))
	for _, t := range b {
		inB[t.hash]++
	}
	// scan a in order so ties resolve to the earliest occurrence,
	// keeping the diff deterministic
	best := -1
	var bestHash uint64
	for i, t := range a {
		cb, shared := inB[t.hash]
		if !shared {
			continue
		}
		if c := inA[t.hash] + cb; best < 0 || c < best {
			best = c
			bestHash = t.hash
			ai = i
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	for i, t := range b {
		if t.hash == bestHash {
			bi = i
			break
		}
	}
	return ai, bi, true
}

func joinTokens(toks []token) []byte {
	n := 0
	for _, t := range toks {
		n += len(t.text)
	}
	buf := make([]byte, 0, n)
	for _, t := range toks {
		buf = append(buf, t.text...)
	}
	return buf
}

// buildScript turns a chunk sequence into a byte-level edit script plus
// an edit distance in token units. An adjacent delete/insert pair is a
// replacement and costs the longer side, matching Levenshtein intuition.
func buildScript(chunks []chunk, src []byte) (Script, int) {
	chunks = coalesce(chunks)
	ops := make([]Op, 0, len(chunks))
	dist := 0
	for i := 0; i < len(chunks); i++ {
		c := chunks[i]
		switch c.kind {
		case OpCopy:
			ops = append(ops, anchorOp(OpCopy, joinTokens(c.toks)))
		case OpDelete, OpInsert:
			if i+1 < len(chunks) && chunks[i+1].kind != OpCopy && chunks[i+1].kind != c.kind {
				d := chunks[i]
				n := chunks[i+1]
				if d.kind == OpInsert {
					d, n = n, d
				}
				ops = append(ops, anchorOp(OpDelete, joinTokens(d.toks)))
				ops = append(ops, Op{Kind: OpInsert, Data: joinTokens(n.toks)})
				dist += max(len(d.toks), len(n.toks))
				i++
				continue
			}
			if c.kind == OpDelete {
				ops = append(ops, anchorOp(OpDelete, joinTokens(c.toks)))
			} else {
				ops = append(ops, Op{Kind: OpInsert, Data: joinTokens(c.toks)})
			}
			dist += len(c.toks)
		}
	}
	return newScript(ops, len(src)), dist
}

func coalesce(chunks []chunk) []chunk {
	out := chunks[:0]
	for _, c := range chunks {
		if len(c.toks) == 0 {
			continue
		}
		if len(out) > 0 && out[len(out)-1].kind == c.kind {
			merged := out[len(out)-1]
			merged.toks = append(append([]token{}, merged.toks...), c.toks...)
			out[len(out)-1] = merged
			continue
		}
		out = append(out, c)
	}
	return out
}

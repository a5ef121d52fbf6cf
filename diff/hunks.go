package diff

// Line-level hunk view of a diff, used by three-way merge to align two
// edit sets against a common base.

// Hunk replaces base lines [Start, End) with Repl. Start == End is a
// pure insertion before line Start.
type Hunk struct {
	Start, End int
	Repl       [][]byte
}

// Lines splits content into lines, newlines kept attached, matching the
// tokenization the text provider diffs with.
func Lines(data []byte) [][]byte {
	toks := splitLines(data)
	out := make([][]byte, len(toks))
	for i, t := range toks {
		out[i] = t.text
	}
	return out
}

// LineHunks computes the per-line differences taking a to b.
func LineHunks(a, b []byte) []Hunk {
	chunks := coalesce(diffTokens(splitLines(a), splitLines(b), nil))
	var hunks []Hunk
	pos := 0
	for i := 0; i < len(chunks); i++ {
		c := chunks[i]
		switch c.kind {
		case OpCopy:
			pos += len(c.toks)
		case OpDelete:
			h := Hunk{Start: pos, End: pos + len(c.toks)}
			pos = h.End
			if i+1 < len(chunks) && chunks[i+1].kind == OpInsert {
				h.Repl = tokenLines(chunks[i+1].toks)
				i++
			}
			hunks = append(hunks, h)
		case OpInsert:
			hunks = append(hunks, Hunk{Start: pos, End: pos, Repl: tokenLines(c.toks)})
		}
	}
	return hunks
}

func tokenLines(toks []token) [][]byte {
	out := make([][]byte, len(toks))
	for i, t := range toks {
		out[i] = t.text
	}
	return out
}

package merge

import (
	"sort"

	"github.com/drpcorg/replika/diff"
)

// AddWins merges line sets with add-wins semantics: a line present in
// either version survives, a line only drops out when both versions
// dropped it. The output does not depend on the argument order, so
// AddWins(base, a, b) == AddWins(base, b, a) for all inputs.
type AddWins struct{}

func (AddWins) Name() string { return "add-wins" }

func (AddWins) Merge(base, ours, theirs []byte) []Segment {
	baseLines := diff.Lines(base)
	ourSet := lineSet(diff.Lines(ours))
	theirSet := lineSet(diff.Lines(theirs))

	var out []byte
	emitted := make(map[string]bool)
	// base lines keep their order; one removed on both sides is gone
	for _, line := range baseLines {
		k := string(terminated(line))
		if emitted[k] {
			continue
		}
		if ourSet[k] || theirSet[k] {
			out = append(out, k...)
			emitted[k] = true
		}
	}
	// added lines follow, sorted, so the result is order-independent
	var added []string
	for k := range ourSet {
		if !emitted[k] {
			added = append(added, k)
		}
	}
	for k := range theirSet {
		if !emitted[k] && !ourSet[k] {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	for _, k := range added {
		out = append(out, k...)
	}
	return []Segment{{Data: out}}
}

func lineSet(lines [][]byte) map[string]bool {
	set := make(map[string]bool, len(lines))
	for _, line := range lines {
		set[string(terminated(line))] = true
	}
	return set
}

// terminated normalizes the last line of a blob so "a" and "a\n" count
// as the same element.
func terminated(line []byte) []byte {
	if len(line) == 0 || line[len(line)-1] == '\n' {
		return line
	}
	return append(append([]byte{}, line...), '\n')
}

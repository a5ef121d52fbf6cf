package merge

import (
	"bytes"

	"github.com/drpcorg/replika/diff"
)

// Recursive is a structural three-way line merge. Both edit sets are
// computed against the common base; edits touching disjoint base
// regions combine cleanly, overlapping edits with different outcomes
// become conflict slots. If one side left the base unchanged the result
// is exactly the other side.
type Recursive struct{}

func (Recursive) Name() string { return "recursive" }

func (Recursive) Merge(base, ours, theirs []byte) []Segment {
	if bytes.Equal(ours, theirs) {
		return []Segment{{Data: ours}}
	}
	if bytes.Equal(base, ours) {
		return []Segment{{Data: theirs}}
	}
	if bytes.Equal(base, theirs) {
		return []Segment{{Data: ours}}
	}

	baseLines := diff.Lines(base)
	ourHunks := diff.LineHunks(base, ours)
	theirHunks := diff.LineHunks(base, theirs)

	var segments []Segment
	pos := 0
	oi, ti := 0, 0
	for oi < len(ourHunks) || ti < len(theirHunks) {
		group, gs, ge := nextGroup(ourHunks, theirHunks, &oi, &ti)
		if gs > pos {
			segments = appendData(segments, joinLines(baseLines[pos:gs]))
		}
		segments = append(segments, mergeGroup(baseLines, group, gs, ge))
		pos = ge
	}
	if pos < len(baseLines) {
		segments = appendData(segments, joinLines(baseLines[pos:]))
	}
	return segments
}

type hunkGroup struct {
	ours, theirs []diff.Hunk
}

// nextGroup pulls the next maximal run of overlapping hunks off the two
// edit sets and returns the base region it spans.
func nextGroup(ourHunks, theirHunks []diff.Hunk, oi, ti *int) (g hunkGroup, gs, ge int) {
	var first diff.Hunk
	var fromOurs bool
	switch {
	case *oi < len(ourHunks) && *ti < len(theirHunks):
		fromOurs = hunkBefore(ourHunks[*oi], theirHunks[*ti])
	case *oi < len(ourHunks):
		fromOurs = true
	}
	if fromOurs {
		first = ourHunks[*oi]
		g.ours = append(g.ours, first)
		*oi++
	} else {
		first = theirHunks[*ti]
		g.theirs = append(g.theirs, first)
		*ti++
	}
	gs, ge = first.Start, first.End
	for {
		grew := false
		for *oi < len(ourHunks) && overlaps(ourHunks[*oi], gs, ge) {
			g.ours = append(g.ours, ourHunks[*oi])
			ge = max(ge, ourHunks[*oi].End)
			*oi++
			grew = true
		}
		for *ti < len(theirHunks) && overlaps(theirHunks[*ti], gs, ge) {
			g.theirs = append(g.theirs, theirHunks[*ti])
			ge = max(ge, theirHunks[*ti].End)
			*ti++
			grew = true
		}
		if !grew {
			return
		}
	}
}

func hunkBefore(a, b diff.Hunk) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.End <= b.End
}

// overlaps reports whether the hunk touches the open region [gs, ge).
// A pure insertion overlaps only when it lands strictly inside, or at
// the same point as a zero-length region.
func overlaps(h diff.Hunk, gs, ge int) bool {
	if h.Start < ge && gs < h.End {
		return true
	}
	return h.Start == h.End && gs == ge && h.Start == gs
}

// mergeGroup replays each side's hunks over the group's base region; if
// both sides agree (or only one side edited), the region is settled,
// otherwise it becomes a conflict slot.
func mergeGroup(baseLines [][]byte, g hunkGroup, gs, ge int) Segment {
	baseRegion := joinLines(baseLines[gs:ge])
	switch {
	case len(g.theirs) == 0:
		return Segment{Data: applyHunks(baseLines, g.ours, gs, ge)}
	case len(g.ours) == 0:
		return Segment{Data: applyHunks(baseLines, g.theirs, gs, ge)}
	}
	ourRegion := applyHunks(baseLines, g.ours, gs, ge)
	theirRegion := applyHunks(baseLines, g.theirs, gs, ge)
	if bytes.Equal(ourRegion, theirRegion) {
		return Segment{Data: ourRegion}
	}
	return Segment{Conflict: &Conflict{Base: baseRegion, Ours: ourRegion, Theirs: theirRegion}}
}

func applyHunks(baseLines [][]byte, hunks []diff.Hunk, gs, ge int) []byte {
	var out []byte
	pos := gs
	for _, h := range hunks {
		if h.Start > pos {
			out = append(out, joinLines(baseLines[pos:h.Start])...)
		}
		for _, line := range h.Repl {
			out = append(out, line...)
		}
		pos = max(pos, h.End)
	}
	if pos < ge {
		out = append(out, joinLines(baseLines[pos:ge])...)
	}
	return out
}

func appendData(segments []Segment, data []byte) []Segment {
	if len(data) == 0 {
		return segments
	}
	return append(segments, Segment{Data: data})
}

func joinLines(lines [][]byte) []byte {
	var out []byte
	for _, line := range lines {
		out = append(out, line...)
	}
	return out
}

package merge

// Manual is the terminal fallback: it never merges anything, it turns
// the whole divergence into a single conflict slot for a human to
// settle. Registered last in every chain (see resolve.ManualPolicy).
type Manual struct{}

func (Manual) Name() string { return "manual" }

func (Manual) Merge(base, ours, theirs []byte) []Segment {
	return []Segment{{Conflict: &Conflict{Base: base, Ours: ours, Theirs: theirs}}}
}

package resolve

import "github.com/drpcorg/replika/merge"

// Built-in policies, thin prioritized wrappers over the merge
// strategies. Ascending priority number means tried later: add-wins
// first, then the structural merge, the manual fallback always last.

const (
	PriorityAddWins   = 10
	PriorityRecursive = 20
	PriorityManual    = 99
)

func appliesTo(ctypes ...string) func(c *Conflict) bool {
	set := make(map[string]bool, len(ctypes))
	for _, t := range ctypes {
		set[t] = true
	}
	return func(c *Conflict) bool {
		return set[c.Ctx.ContentType]
	}
}

// AddWinsPolicy resolves set-like content by add-wins union. It always
// produces a result, so types it applies to never reach a human.
func AddWinsPolicy(ctypes ...string) Policy {
	aw := merge.AddWins{}
	return Policy{
		Name:     "add-wins",
		Priority: PriorityAddWins,
		Category: "conflict-resolution",
		Applies:  appliesTo(ctypes...),
		Attempt: func(c *Conflict) Outcome {
			segs := aw.Merge(c.Base, c.V1, c.V2)
			return Resolved(segs[0].Data)
		},
	}
}

// RecursivePolicy resolves structurally when the two edit sets do not
// overlap, and defers otherwise.
func RecursivePolicy(ctypes ...string) Policy {
	r := merge.Recursive{}
	return Policy{
		Name:     "recursive",
		Priority: PriorityRecursive,
		Category: "conflict-resolution",
		Applies:  appliesTo(ctypes...),
		Attempt: func(c *Conflict) Outcome {
			segs := r.Merge(c.Base, c.V1, c.V2)
			var out []byte
			for _, seg := range segs {
				if seg.Conflict != nil {
					return CannotResolve("overlapping edits")
				}
				out = append(out, seg.Data...)
			}
			return Resolved(out)
		},
	}
}

/// ManualPolicy is the terminal fallback: applicable to everything,
// resolves nothing, forcing the RequiresHuman path.
func ManualPolicy() Policy {
	return Policy{
		Name:     "manual",
		Priority: PriorityManual,
		Category: "conflict-resolution",
		Attempt: func(c *Conflict) Outcome {
			return CannotResolve("manual resolution required")
		},
	}
}

// Package resolve orchestrates conflict resolution: detected conflicts
// run through an ordered chain of policies until one produces a
// concrete result, or every applicable policy defers and a human has to
// pick. A pending conflict stays inspectable and individually
// resolvable for as long as it takes; there is no expiry.
package resolve

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/replika/merge"
	"github.com/drpcorg/replika/utils"
)

var (
	ErrDuplicate  = errors.New("resolve: policy already registered")
	ErrNoPolicy   = errors.New("resolve: no applicable policy registered")
	ErrNotFound   = errors.New("resolve: unknown conflict id")
	ErrNotPending = errors.New("resolve: conflict is not pending")
)

// State of a conflict: Detected -> AutoResolved | RequiresHuman ->
// ManuallyResolved.
type State int

const (
	Detected State = iota
	AutoResolved
	RequiresHuman
	ManuallyResolved
)

func (s State) String() string {
	return []string{"Detected", "AutoResolved", "RequiresHuman", "ManuallyResolved"}[s]
}

// Context travels with a detected conflict and scopes which policies
// apply to it.
type Context struct {
	ContentType string
	Origin      string
}

// Conflict is one divergent pair of versions awaiting a decision.
// Immutable until resolved.
type Conflict struct {
	ID     string
	Base   []byte
	V1, V2 []byte
	Ctx    Context
	State  State
	Result []byte
	Detail string
}

// Outcome of one policy attempt: either a concrete result, or a
// deferral with the reason the policy could not decide.
type Outcome struct {
	Resolved bool
	Result   []byte
	Reason   string
}

func Resolved(result []byte) Outcome {
	return Outcome{Resolved: true, Result: result}
}

func CannotResolve(reason string) Outcome {
	return Outcome{Reason: reason}
}

// Policy is a named, prioritized resolution capability. Lower Priority
// numbers run earlier; ManualPolicy sits at 99 so it always runs last.
type Policy struct {
	Name     string
	Priority int
	Category string
	Applies  func(c *Conflict) bool
	Attempt  func(c *Conflict) Outcome
}

// Resolution is what Resolve hands back: a settled result, or the
// options a human has to choose between.
type Resolution struct {
	State      State
	Result     []byte
	ConflictID string
	Options    [][]byte
}

// Engine holds the registered policy chain and the live conflict set.
type Engine struct {
	plock    sync.Mutex
	policies []Policy

	conflicts *xsync.MapOf[string, *Conflict]
	clock     sync.Mutex // serializes state transitions per engine
	log       utils.Logger
}

func NewEngine(log utils.Logger) *Engine {
	return &Engine{
		conflicts: xsync.NewMapOf[string, *Conflict](),
		log:       log,
	}
}

// RegisterPolicy adds a policy to the chain. Names are unique.
func (e *Engine) RegisterPolicy(p Policy) error {
	e.plock.Lock()
	defer e.plock.Unlock()
	for _, have := range e.policies {
		if have.Name == p.Name {
			return ErrDuplicate
		}
	}
	e.policies = append(e.policies, p)
	sort.SliceStable(e.policies, func(i, j int) bool {
		return e.policies[i].Priority < e.policies[j].Priority
	})
	return nil
}

func (e *Engine) chain() []Policy {
	e.plock.Lock()
	defer e.plock.Unlock()
	out := make([]Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

// Detection is the result of Detect: either no conflict (possibly with
// the trivially combined value) or a registered conflict id.
type Detection struct {
	Conflicted bool
	ConflictID string
	Detail     string
}

// Detect decides whether two versions actually diverge. Equal versions,
// or versions whose changes against the base do not overlap, are no
// conflict. Detection is total: it never fails.
func (e *Engine) Detect(base, v1, v2 []byte, ctx Context) Detection {
	if bytes.Equal(v1, v2) {
		return Detection{}
	}
	if base != nil {
		if bytes.Equal(base, v1) || bytes.Equal(base, v2) {
			// one side unchanged, causality alone decides
			return Detection{}
		}
		segs := (merge.Recursive{}).Merge(base, v1, v2)
		clean := true
		for _, seg := range segs {
			if seg.Conflict != nil {
				clean = false
				break
			}
		}
		if clean {
			return Detection{}
		}
	}
	c := &Conflict{
		ID:     uuid.Must(uuid.NewV7()).String(),
		Base:   base,
		V1:     v1,
		V2:     v2,
		Ctx:    ctx,
		State:  Detected,
		Detail: "divergent versions of " + ctx.ContentType,
	}
	e.conflicts.Store(c.ID, c)
	e.log.Debug("conflict detected", "id", c.ID, "ctype", ctx.ContentType, "origin", ctx.Origin)
	return Detection{Conflicted: true, ConflictID: c.ID, Detail: c.Detail}
}

// Resolve runs the policy chain over a detected conflict, in ascending
// priority order, restricted to applicable policies. A policyOverride
// names one policy to try instead of the chain. The first concrete
// result wins; if every applicable policy defers, the conflict is
// parked for a human.
func (e *Engine) Resolve(conflictID string, policyOverride string) (Resolution, error) {
	c, ok := e.conflicts.Load(conflictID)
	if !ok {
		return Resolution{}, ErrNotFound
	}
	e.clock.Lock()
	defer e.clock.Unlock()
	switch c.State {
	case AutoResolved, ManuallyResolved:
		return Resolution{State: c.State, Result: c.Result, ConflictID: c.ID}, nil
	}

	chain := e.chain()
	if policyOverride != "" {
		named := chain[:0:0]
		for _, p := range chain {
			if p.Name == policyOverride {
				named = append(named, p)
			}
		}
		if len(named) == 0 {
			return Resolution{}, ErrNotFound
		}
		chain = named
	}

	tried := 0
	for _, p := range chain {
		if p.Applies != nil && !p.Applies(c) {
			continue
		}
		tried++
		out := p.Attempt(c)
		if out.Resolved {
			c.State = AutoResolved
			c.Result = out.Result
			e.log.Debug("conflict auto-resolved", "id", c.ID, "policy", p.Name)
			return Resolution{State: AutoResolved, Result: out.Result, ConflictID: c.ID}, nil
		}
		e.log.Debug("policy deferred", "id", c.ID, "policy", p.Name, "reason", out.Reason)
	}
	if tried == 0 {
		return Resolution{}, ErrNoPolicy
	}
	c.State = RequiresHuman
	options := [][]byte{c.V1, c.V2}
	if c.Base != nil {
		options = append(options, c.Base)
	}
	return Resolution{State: RequiresHuman, ConflictID: c.ID, Options: options}, nil
}

// ManualResolve applies a human-selected result to a pending conflict.
func (e *Engine) ManualResolve(conflictID string, chosen []byte) ([]byte, error) {
	c, ok := e.conflicts.Load(conflictID)
	if !ok {
		return nil, ErrNotPending
	}
	e.clock.Lock()
	defer e.clock.Unlock()
	if c.State != Detected && c.State != RequiresHuman {
		return nil, ErrNotPending
	}
	c.State = ManuallyResolved
	c.Result = chosen
	e.log.Info("conflict manually resolved", "id", c.ID)
	return chosen, nil
}

// Get returns a conflict by id for inspection.
func (e *Engine) Get(conflictID string) (*Conflict, error) {
	c, ok := e.conflicts.Load(conflictID)
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Pending lists conflicts still awaiting a decision.
func (e *Engine) Pending() []*Conflict {
	var out []*Conflict
	e.conflicts.Range(func(id string, c *Conflict) bool {
		if c.State == Detected || c.State == RequiresHuman {
			out = append(out, c)
		}
		return true
	})
	return out
}

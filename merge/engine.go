// Package merge performs three-way merges through registered,
// content-type-scoped strategies. A merge either comes back clean or
// leaves a pending merge behind: a sequence of clean segments and
// conflict slots that must each be resolved before finalizing.
package merge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrDuplicate       = errors.New("merge: strategy already registered")
	ErrNoStrategy      = errors.New("merge: no strategy for content type")
	ErrNotFound        = errors.New("merge: unknown merge id")
	ErrInvalidIndex    = errors.New("merge: no conflict at index")
	ErrAlreadyResolved = errors.New("merge: conflict already resolved")
)

// UnresolvedError reports a premature Finalize. Recoverable: resolve
// the remaining conflicts and retry.
type UnresolvedError struct {
	Count int
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("merge: %d unresolved conflicts", e.Count)
}

// Conflict is one divergent region of a three-way merge.
type Conflict struct {
	Base, Ours, Theirs []byte
}

// Segment is a piece of the merged output: either settled content or a
// conflict slot awaiting a resolution.
type Segment struct {
	Data     []byte
	Conflict *Conflict
}

// Strategy merges two divergent versions of content given their common
// ancestor. The returned segments concatenate into the final content
// once every conflict slot carries a resolution.
type Strategy interface {
	Name() string
	Merge(base, ours, theirs []byte) []Segment
}

// Result of Engine.Merge: clean with the merged content, or a pending
// merge identified by an opaque MergeID with Conflicts slots to fill.
type Result struct {
	Clean     bool
	Result    []byte
	MergeID   string
	Conflicts int
}

type pendingMerge struct {
	lock        sync.Mutex
	segments    []Segment
	resolutions [][]byte
	resolved    []bool
	remaining   int
}

// Engine dispatches merges to strategies registered per content type.
// The registry is an explicit object handed to constructors, never a
// package global.
type Engine struct {
	strategies *xsync.MapOf[string, []Strategy] // ctype -> ordered strategies
	pending    *xsync.MapOf[string, *pendingMerge]
}

func NewEngine() *Engine {
	return &Engine{
		strategies: xsync.NewMapOf[string, []Strategy](),
		pending:    xsync.NewMapOf[string, *pendingMerge](),
	}
}

// RegisterStrategy adds a strategy for the given content types. The
// first strategy registered for a type becomes its default. A
// (name, type) pair can only be registered once; on a duplicate,
// nothing is registered.
func (e *Engine) RegisterStrategy(s Strategy, ctypes ...string) (err error) {
	for _, ctype := range ctypes {
		if list, ok := e.strategies.Load(ctype); ok {
			for _, have := range list {
				if have.Name() == s.Name() {
					return ErrDuplicate
				}
			}
		}
	}
	for _, ctype := range ctypes {
		e.strategies.Compute(ctype, func(old []Strategy, loaded bool) ([]Strategy, bool) {
			return append(old, s), false
		})
	}
	return nil
}

func (e *Engine) strategy(ctype, name string) (Strategy, error) {
	list, ok := e.strategies.Load(ctype)
	if !ok || len(list) == 0 {
		return nil, ErrNoStrategy
	}
	if name == "" {
		return list[0], nil
	}
	for _, s := range list {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, ErrNoStrategy
}

// Merge runs a three-way merge of the content type through the named
// strategy, or the type's default when name is empty.
func (e *Engine) Merge(ctype string, base, ours, theirs []byte, strategy string) (Result, error) {
	s, err := e.strategy(ctype, strategy)
	if err != nil {
		return Result{}, err
	}
	segments := s.Merge(base, ours, theirs)
	conflicts := 0
	for _, seg := range segments {
		if seg.Conflict != nil {
			conflicts++
		}
	}
	if conflicts == 0 {
		return Result{Clean: true, Result: joinSegments(segments, nil)}, nil
	}
	pm := &pendingMerge{
		segments:    segments,
		resolutions: make([][]byte, conflicts),
		resolved:    make([]bool, conflicts),
		remaining:   conflicts,
	}
	id := uuid.Must(uuid.NewV7()).String()
	e.pending.Store(id, pm)
	return Result{MergeID: id, Conflicts: conflicts}, nil
}

// ResolveConflict records the resolution for the index-th conflict of a
// pending merge and returns how many remain.
func (e *Engine) ResolveConflict(mergeID string, index int, resolution []byte) (remaining int, err error) {
	pm, ok := e.pending.Load(mergeID)
	if !ok {
		return 0, ErrNotFound
	}
	pm.lock.Lock()
	defer pm.lock.Unlock()
	if index < 0 || index >= len(pm.resolved) {
		return pm.remaining, ErrInvalidIndex
	}
	if pm.resolved[index] {
		return pm.remaining, ErrAlreadyResolved
	}
	pm.resolved[index] = true
	pm.resolutions[index] = resolution
	pm.remaining--
	return pm.remaining, nil
}

// Conflicts returns the conflict slots of a pending merge, in index
// order, for inspection.
func (e *Engine) Conflicts(mergeID string) ([]Conflict, error) {
	pm, ok := e.pending.Load(mergeID)
	if !ok {
		return nil, ErrNotFound
	}
	pm.lock.Lock()
	defer pm.lock.Unlock()
	var out []Conflict
	for _, seg := range pm.segments {
		if seg.Conflict != nil {
			out = append(out, *seg.Conflict)
		}
	}
	return out, nil
}

// Finalize assembles the merged content once every conflict has a
// resolution, and forgets the pending merge.
func (e *Engine) Finalize(mergeID string) ([]byte, error) {
	pm, ok := e.pending.Load(mergeID)
	if !ok {
		return nil, ErrNotFound
	}
	pm.lock.Lock()
	defer pm.lock.Unlock()
	if pm.remaining > 0 {
		return nil, &UnresolvedError{Count: pm.remaining}
	}
	result := joinSegments(pm.segments, pm.resolutions)
	e.pending.Delete(mergeID)
	return result, nil
}

func joinSegments(segments []Segment, resolutions [][]byte) []byte {
	var out []byte
	ci := 0
	for _, seg := range segments {
		if seg.Conflict != nil {
			out = append(out, resolutions[ci]...)
			ci++
			continue
		}
		out = append(out, seg.Data...)
	}
	return out
}

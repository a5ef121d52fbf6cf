// Package diff computes structural diffs between two versions of a
// content blob and replays them elsewhere. Diff providers register per
// content type; the edit scripts they produce are immutable and carry
// anchor hashes so a replay against the wrong base fails fast instead
// of corrupting state.
package diff

import (
	"bytes"
	"errors"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrNoProvider   = errors.New("diff: no provider for content type")
	ErrDuplicate    = errors.New("diff: provider already registered")
	ErrIncompatible = errors.New("diff: script does not match content")
)

// Provider turns a content pair into an edit script plus an edit
// distance in the provider's own units (lines, bytes).
type Provider interface {
	Name() string
	Diff(a, b []byte) (Script, int)
}

// Result of a diff: either the two contents are byte-equal, or an edit
// script that takes a to b.
type Result struct {
	Identical bool
	Script    Script
	Distance  int
}

// Engine keeps the per-content-type provider registry. Registries are
// explicit objects handed to whoever needs them, not package globals.
type Engine struct {
	providers *xsync.MapOf[string, []Provider]
}

func NewEngine() *Engine {
	return &Engine{providers: xsync.NewMapOf[string, []Provider]()}
}

// NewDefaultEngine returns an engine with the built-in text and bytes
// providers registered.
func NewDefaultEngine() *Engine {
	e := NewEngine()
	_ = e.RegisterProvider("text", Text{})
	_ = e.RegisterProvider("bytes", Bytes{})
	return e
}

// RegisterProvider adds a provider for a content type. The first
// provider registered for a type becomes its default. Re-registering
// the same provider name for a type is rejected.
func (e *Engine) RegisterProvider(ctype string, p Provider) (err error) {
	e.providers.Compute(ctype, func(old []Provider, loaded bool) ([]Provider, bool) {
		for _, have := range old {
			if have.Name() == p.Name() {
				err = ErrDuplicate
				return old, false
			}
		}
		return append(old, p), false
	})
	return
}

func (e *Engine) provider(ctype, algo string) (Provider, error) {
	list, ok := e.providers.Load(ctype)
	if !ok || len(list) == 0 {
		return nil, ErrNoProvider
	}
	if algo == "" {
		return list[0], nil
	}
	for _, p := range list {
		if p.Name() == algo {
			return p, nil
		}
	}
	return nil, ErrNoProvider
}

// Diff compares two contents of the given type. algo selects a
// registered provider by name, empty for the type's default.
func (e *Engine) Diff(ctype string, a, b []byte, algo string) (Result, error) {
	if bytes.Equal(a, b) {
		return Result{Identical: true}, nil
	}
	p, err := e.provider(ctype, algo)
	if err != nil {
		return Result{}, err
	}
	script, dist := p.Diff(a, b)
	return Result{Script: script, Distance: dist}, nil
}

// Patch replays an edit script against content. The script is
// self-contained, so no provider lookup is needed; anchor mismatches
// surface as ErrIncompatible.
func (e *Engine) Patch(content []byte, script Script) ([]byte, error) {
	return script.Apply(content)
}

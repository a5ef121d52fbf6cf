package resolve

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/replika/utils"
)

func newTestEngine() *Engine {
	return NewEngine(utils.NewDefaultLogger(slog.LevelError))
}

func TestDetectNoConflict(t *testing.T) {
	e := newTestEngine()
	x := []byte("same\n")
	d := e.Detect(nil, x, x, Context{ContentType: "text"})
	assert.False(t, d.Conflicted)

	// non-overlapping edits against a base are no conflict either
	base := []byte("a\nb\nc\n")
	d = e.Detect(base, []byte("A\nb\nc\n"), []byte("a\nb\nC\n"), Context{ContentType: "text"})
	assert.False(t, d.Conflicted)
	assert.Equal(t, 0, len(e.Pending()))
}

func TestDetectDivergent(t *testing.T) {
	e := newTestEngine()
	base := []byte("a\nb\n")
	d := e.Detect(base, []byte("a\nB1\n"), []byte("a\nB2\n"), Context{ContentType: "text"})
	assert.True(t, d.Conflicted)
	assert.NotEmpty(t, d.ConflictID)

	c, err := e.Get(d.ConflictID)
	assert.Nil(t, err)
	assert.Equal(t, Detected, c.State)
	assert.Equal(t, 1, len(e.Pending()))
}

func TestResolveNoPolicy(t *testing.T) {
	e := newTestEngine()
	d := e.Detect(nil, []byte("x"), []byte("y"), Context{ContentType: "text"})
	_, err := e.Resolve(d.ConflictID, "")
	assert.Equal(t, ErrNoPolicy, err)

	_, err = e.Resolve("unknown", "")
	assert.Equal(t, ErrNotFound, err)
}

func TestResolveOrderAscendingPriority(t *testing.T) {
	e := newTestEngine()
	var order []string
	mk := func(name string, prio int, out Outcome) Policy {
		return Policy{
			Name:     name,
			Priority: prio,
			Attempt: func(c *Conflict) Outcome {
				order = append(order, name)
				return out
			},
		}
	}
	// register out of order on purpose
	assert.Nil(t, e.RegisterPolicy(mk("last", 99, CannotResolve("defer"))))
	assert.Nil(t, e.RegisterPolicy(mk("first", 10, CannotResolve("defer"))))
	assert.Nil(t, e.RegisterPolicy(mk("mid", 50, CannotResolve("defer"))))

	d := e.Detect(nil, []byte("x"), []byte("y"), Context{ContentType: "text"})
	res, err := e.Resolve(d.ConflictID, "")
	assert.Nil(t, err)
	assert.Equal(t, []string{"first", "mid", "last"}, order)
	assert.Equal(t, RequiresHuman, res.State)
	assert.Equal(t, 2, len(res.Options))
}

func TestRegisterDuplicatePolicy(t *testing.T) {
	e := newTestEngine()
	assert.Nil(t, e.RegisterPolicy(ManualPolicy()))
	assert.Equal(t, ErrDuplicate, e.RegisterPolicy(ManualPolicy()))
}

func TestAutoThenManualFallthrough(t *testing.T) {
	e := newTestEngine()
	// auto policy at 10 that cannot resolve, manual at 99
	assert.Nil(t, e.RegisterPolicy(Policy{
		Name:     "auto",
		Priority: 10,
		Attempt:  func(c *Conflict) Outcome { return CannotResolve("too hard") },
	}))
	assert.Nil(t, e.RegisterPolicy(ManualPolicy()))

	d := e.Detect([]byte("b\n"), []byte("x\n"), []byte("y\n"), Context{ContentType: "text"})
	res, err := e.Resolve(d.ConflictID, "")
	assert.Nil(t, err)
	assert.Equal(t, RequiresHuman, res.State)
	// base rides along as a third option
	assert.Equal(t, 3, len(res.Options))

	chosen, err := e.ManualResolve(d.ConflictID, []byte("y\n"))
	assert.Nil(t, err)
	assert.Equal(t, "y\n", string(chosen))

	c, _ := e.Get(d.ConflictID)
	assert.Equal(t, ManuallyResolved, c.State)

	_, err = e.ManualResolve(d.ConflictID, []byte("again"))
	assert.Equal(t, ErrNotPending, err)
	_, err = e.ManualResolve("unknown", []byte("zz"))
	assert.Equal(t, ErrNotPending, err)
}

func TestResolveWithBuiltinChain(t *testing.T) {
	e := newTestEngine()
	assert.Nil(t, e.RegisterPolicy(RecursivePolicy("text")))
	assert.Nil(t, e.RegisterPolicy(ManualPolicy()))

	// conflicting edits to the same line: recursive defers, manual
	// defers, human required
	base := []byte("a\nb\n")
	d := e.Detect(base, []byte("a\nB1\n"), []byte("a\nB2\n"), Context{ContentType: "text"})
	res, err := e.Resolve(d.ConflictID, "")
	assert.Nil(t, err)
	assert.Equal(t, RequiresHuman, res.State)
}

func TestResolveAddWinsSet(t *testing.T) {
	e := newTestEngine()
	assert.Nil(t, e.RegisterPolicy(AddWinsPolicy("set")))
	assert.Nil(t, e.RegisterPolicy(ManualPolicy()))

	d := e.Detect([]byte("a\n"), []byte("a\nx\n"), []byte("a\ny\n"), Context{ContentType: "set"})
	assert.True(t, d.Conflicted)
	res, err := e.Resolve(d.ConflictID, "")
	assert.Nil(t, err)
	assert.Equal(t, AutoResolved, res.State)
	assert.Equal(t, "a\nx\ny\n", string(res.Result))

	// resolving again returns the settled result
	res2, err := e.Resolve(d.ConflictID, "")
	assert.Nil(t, err)
	assert.Equal(t, res.Result, res2.Result)
}

func TestResolveOverride(t *testing.T) {
	e := newTestEngine()
	assert.Nil(t, e.RegisterPolicy(AddWinsPolicy("set")))
	assert.Nil(t, e.RegisterPolicy(ManualPolicy()))

	d := e.Detect([]byte("a\n"), []byte("a\nx\n"), []byte("a\ny\n"), Context{ContentType: "set"})
	// force the manual policy despite add-wins being applicable
	res, err := e.Resolve(d.ConflictID, "manual")
	assert.Nil(t, err)
	assert.Equal(t, RequiresHuman, res.State)

	_, err = e.Resolve(d.ConflictID, "no-such-policy")
	assert.Equal(t, ErrNotFound, err)
}

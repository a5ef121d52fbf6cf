package replika

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/replika/clock"
	"github.com/drpcorg/replika/merge"
	"github.com/drpcorg/replika/protocol"
	"github.com/drpcorg/replika/resolve"
	"github.com/drpcorg/replika/store"
	"github.com/drpcorg/replika/utils"
)

// Storage bins. State holds the current value per key, Clock the causal
// clock under a single fixed key, Log the op log keyed by zipped
// (seq, src) so a scan yields per-source order.
const (
	StateBin byte = 'A'
	ClockBin byte = 'V'
	LogBin   byte = 'L'
)

var clockKey = []byte{'0'}

var (
	ErrUnknownPeer       = errors.New("replika: unknown peer")
	ErrNoPendingConflict = errors.New("replika: no pending conflict for key")
	ErrTooManyParked     = errors.New("replika: too many ops parked on causal gaps")
)

// Update is a local write request.
type Update struct {
	Key         string
	ContentType string
	Value       []byte
}

// Value is the current version of one key.
type Value struct {
	ContentType string
	Data        []byte
}

// Snapshot is a point-in-time view of the replica: every live key and
// the causal clock that covers them.
type Snapshot struct {
	Values map[string]Value
	Clock  clock.Clock
}

type ChangeKind int

const (
	ChangeApplied ChangeKind = iota
	ChangeMerged
	ChangeDiscarded
	ChangeParked
	ChangeConflict
)

func (k ChangeKind) String() string {
	return []string{"Applied", "Merged", "Discarded", "Parked", "Conflict"}[k]
}

// Change records what happened to one incoming op.
type Change struct {
	Kind       ChangeKind
	Key        string
	Src, Seq   uint64
	ConflictID string
}

type ChangeLog []Change

// Dialer opens a record stream to a peer replica.
type Dialer interface {
	Dial(ctx context.Context) (protocol.FeedDrainCloser, error)
}

type Options struct {
	Src    uint64
	Name   string
	Logger utils.Logger

	Keyed   store.KeyedStore
	Content store.ContentStore

	Merges   *merge.Engine
	Resolver *resolve.Engine

	// MaxParked caps ops held on causal gaps. 0 means the default.
	MaxParked int
}

const defaultMaxParked = 4096

// Replica is a single synchronization endpoint: it accepts local
// updates, integrates remote ops respecting causal order, resolves
// concurrent divergence through the policy chain, and exchanges op
// diffs with peers. All mutation goes through one writer lock; reads
// of the stores are safe alongside it.
type Replica struct {
	src      uint64
	name     string
	log      utils.Logger
	keyed    store.KeyedStore
	content  store.ContentStore
	merges   *merge.Engine
	resolver *resolve.Engine

	lock        sync.Mutex
	clk         clock.Clock
	pendingKeys map[string]string // key -> conflict id awaiting a human
	parked      map[string]Op
	parkseq     utils.Heap[string]
	maxParked   int

	peers *xsync.MapOf[string, Dialer]

	opsApplied        atomic.Uint64
	opsDiscarded      atomic.Uint64
	opsParked         atomic.Uint64
	conflictsDetected atomic.Uint64
	conflictsAuto     atomic.Uint64
	conflictsManual   atomic.Uint64
	conflictsPending  atomic.Int64
	syncsTotal        atomic.Uint64
}

// NewDefaultMergeEngine wires the built-in strategies: recursive merge
// is the default for text-like content, add-wins for sets, manual is
// registered everywhere as the terminal fallback.
func NewDefaultMergeEngine() *merge.Engine {
	e := merge.NewEngine()
	_ = e.RegisterStrategy(merge.Recursive{}, "text", "bytes")
	_ = e.RegisterStrategy(merge.AddWins{}, "set", "text")
	_ = e.RegisterStrategy(merge.Manual{}, "text", "set", "bytes")
	return e
}

// NewDefaultResolver wires the built-in policy chain in ascending
// priority: add-wins for sets, recursive for text and bytes, manual
// last for everything.
func NewDefaultResolver(log utils.Logger) *resolve.Engine {
	e := resolve.NewEngine(log)
	_ = e.RegisterPolicy(resolve.AddWinsPolicy("set"))
	_ = e.RegisterPolicy(resolve.RecursivePolicy("text", "bytes"))
	_ = e.RegisterPolicy(resolve.ManualPolicy())
	return e
}

func NewReplica(ctx context.Context, opts Options) (*Replica, error) {
	if opts.Src == 0 || opts.Src > clock.MaxSrc {
		return nil, clock.ErrBadSrc
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if opts.Keyed == nil {
		opts.Keyed = store.NewMemKeyed()
	}
	if opts.Content == nil {
		opts.Content = store.NewMemContent()
	}
	if opts.Merges == nil {
		opts.Merges = NewDefaultMergeEngine()
	}
	if opts.Resolver == nil {
		opts.Resolver = NewDefaultResolver(opts.Logger)
	}
	if opts.MaxParked <= 0 {
		opts.MaxParked = defaultMaxParked
	}

	r := &Replica{
		src:         opts.Src,
		name:        opts.Name,
		log:         opts.Logger,
		keyed:       opts.Keyed,
		content:     opts.Content,
		merges:      opts.Merges,
		resolver:    opts.Resolver,
		clk:         clock.New(),
		pendingKeys: make(map[string]string),
		parked:      make(map[string]Op),
		maxParked:   opts.MaxParked,
		peers:       xsync.NewMapOf[string, Dialer](),
	}

	tlv, err := r.keyed.Get(ctx, ClockBin, clockKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if tlv != nil {
		if r.clk, err = clock.FromTLV(tlv); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Replica) Source() uint64 { return r.src }

func (r *Replica) Name() string { return r.name }

// Clock returns a copy of the replica's causal clock.
func (r *Replica) Clock() clock.Clock {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.clk.Clone()
}

// LocalUpdate records a new version of a key authored here. The clock
// ticks for this source, the previous version is snapshotted into the
// content store so peers can three-way merge against it, and the op
// joins the log for future syncs.
func (r *Replica) LocalUpdate(ctx context.Context, up Update) (Snapshot, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if up.ContentType == "" {
		up.ContentType = "text"
	}
	prev, hadPrev, err := r.loadState(ctx, up.Key)
	if err != nil {
		return Snapshot{}, err
	}
	var base store.Ref
	if hadPrev {
		if base, err = r.content.Put(ctx, prev.Data); err != nil {
			return Snapshot{}, err
		}
	}
	if _, err = r.content.Put(ctx, up.Value); err != nil {
		return Snapshot{}, err
	}
	_, snap, err := r.clk.Tick(r.src)
	if err != nil {
		return Snapshot{}, err
	}
	op := Op{
		Src:         r.src,
		Seq:         snap.Get(r.src),
		Key:         up.Key,
		ContentType: up.ContentType,
		Base:        base,
		Value:       up.Value,
		Clock:       snap,
	}
	if err = r.putState(ctx, up.Key, Value{up.ContentType, up.Value}); err != nil {
		return Snapshot{}, err
	}
	if err = r.logOp(ctx, op); err != nil {
		return Snapshot{}, err
	}
	if err = r.saveClock(ctx); err != nil {
		return Snapshot{}, err
	}
	if _, was := r.pendingKeys[up.Key]; was {
		// a local write supersedes the parked decision
		delete(r.pendingKeys, up.Key)
		r.conflictsPending.Add(-1)
	}
	r.opsApplied.Add(1)
	r.log.DebugCtx(ctx, "local update", "name", r.name, "key", up.Key, "seq", op.Seq)
	return r.snapshot(ctx)
}

// ReceiveRemote integrates one op from a peer. Stale ops are discarded,
// ops arriving ahead of a causal gap are parked until the gap closes,
// concurrent divergent ops go through conflict detection and the policy
// chain. Returns a change per op touched, parked ops drained included.
func (r *Replica) ReceiveRemote(ctx context.Context, op Op) (ChangeLog, error) {
	if op.Src == 0 || op.Src > clock.MaxSrc {
		return nil, clock.ErrBadSrc
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	chg, err := r.integrate(ctx, op)
	if err != nil {
		return nil, err
	}
	changes := ChangeLog{chg}
	if chg.Kind != ChangeParked && chg.Kind != ChangeDiscarded {
		drained, derr := r.drainParked(ctx)
		changes = append(changes, drained...)
		if derr != nil {
			return changes, derr
		}
	}
	return changes, nil
}

func (r *Replica) integrate(ctx context.Context, op Op) (Change, error) {
	have := r.clk.Get(op.Src)
	switch {
	case op.Seq <= have:
		r.opsDiscarded.Add(1)
		return Change{Kind: ChangeDiscarded, Key: op.Key, Src: op.Src, Seq: op.Seq}, nil
	case op.Seq > have+1:
		if len(r.parked) >= r.maxParked {
			return Change{}, ErrTooManyParked
		}
		id := parkID(op.Src, op.Seq)
		if _, dup := r.parked[id]; !dup {
			r.parked[id] = op
			r.parkseq.Push(id)
		}
		r.opsParked.Add(1)
		r.log.DebugCtx(ctx, "op parked on gap", "name", r.name, "src", op.Src, "seq", op.Seq, "have", have)
		return Change{Kind: ChangeParked, Key: op.Key, Src: op.Src, Seq: op.Seq}, nil
	}
	return r.applyOp(ctx, op)
}

func (r *Replica) applyOp(ctx context.Context, op Op) (Change, error) {
	chg := Change{Key: op.Key, Src: op.Src, Seq: op.Seq}
	local, hasLocal, err := r.loadState(ctx, op.Key)
	if err != nil {
		return Change{}, err
	}

	next := Value{op.ContentType, op.Value}
	switch {
	case !hasLocal, bytes.Equal(local.Data, op.Value):
		chg.Kind = ChangeApplied
	case clock.CompareClocks(r.clk, op.Clock) == clock.Before:
		// remote strictly ahead, its version subsumes ours
		chg.Kind = ChangeApplied
	default:
		var base []byte
		if op.Base != 0 {
			base, err = r.content.Get(ctx, op.Base)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return Change{}, err
			}
		}
		det := r.resolver.Detect(base, local.Data, op.Value, resolve.Context{
			ContentType: op.ContentType,
			Origin:      "sync",
		})
		if !det.Conflicted {
			next.Data, err = r.combine(base, local.Data, op.Value, op.ContentType)
			if err != nil {
				return Change{}, err
			}
			chg.Kind = ChangeMerged
		} else {
			r.conflictsDetected.Add(1)
			res, rerr := r.resolver.Resolve(det.ConflictID, "")
			if rerr != nil {
				return Change{}, rerr
			}
			chg.ConflictID = det.ConflictID
			switch res.State {
			case resolve.AutoResolved:
				next.Data = res.Result
				chg.Kind = ChangeMerged
				r.conflictsAuto.Add(1)
			default: // RequiresHuman: keep ours until somebody decides
				next = local
				if _, was := r.pendingKeys[op.Key]; !was {
					r.conflictsPending.Add(1)
				}
				r.pendingKeys[op.Key] = det.ConflictID
				chg.Kind = ChangeConflict
				r.log.InfoCtx(ctx, "conflict requires manual resolution",
					"name", r.name, "key", op.Key, "id", det.ConflictID)
			}
		}
	}

	if err = r.putState(ctx, op.Key, next); err != nil {
		return Change{}, err
	}
	if chg.Kind != ChangeConflict {
		if _, was := r.pendingKeys[op.Key]; was {
			// the applied version supersedes the parked decision
			delete(r.pendingKeys, op.Key)
			r.conflictsPending.Add(-1)
		}
	}
	if _, err = r.content.Put(ctx, op.Value); err != nil {
		return Change{}, err
	}
	merged, err := clock.Merge(r.clk, op.Clock)
	if err != nil {
		return Change{}, err
	}
	r.clk = merged
	if err = r.logOp(ctx, op); err != nil {
		return Change{}, err
	}
	if err = r.saveClock(ctx); err != nil {
		return Change{}, err
	}
	r.opsApplied.Add(1)
	return chg, nil
}

// combine settles concurrent versions that detection classified as
// compatible: one side unchanged takes the other, disjoint edits merge
// structurally.
func (r *Replica) combine(base, ours, theirs []byte, ctype string) ([]byte, error) {
	switch {
	case base == nil:
		return theirs, nil
	case bytes.Equal(base, ours):
		return theirs, nil
	case bytes.Equal(base, theirs):
		return ours, nil
	}
	res, err := r.merges.Merge(ctype, base, ours, theirs, "")
	if err != nil {
		return nil, err
	}
	if !res.Clean {
		// detection only admits clean merges here
		return nil, merge.ErrNotFound
	}
	return res.Result, nil
}

// parkID packs (src, seq) big-endian into a heap-orderable id. The
// encoding is lossless, so no two parked ops share an id, and string
// order is (src, seq) order, which is what the drain loop needs.
func parkID(src, seq uint64) string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], src)
	binary.BigEndian.PutUint64(b[8:], seq)
	return string(b[:])
}

// drainParked replays parked ops whose gaps have closed, repeatedly,
// since one applied op may unblock the next. A failed op is dropped
// from the park (its clock entry did not advance, so the next sync
// redelivers it) and its error is reported alongside the changes that
// did land.
func (r *Replica) drainParked(ctx context.Context) (changes ChangeLog, err error) {
	for {
		progress := false
		ids := make([]string, 0, r.parkseq.Len())
		for r.parkseq.Len() > 0 {
			ids = append(ids, r.parkseq.Pop())
		}
		for _, id := range ids {
			op := r.parked[id]
			have := r.clk.Get(op.Src)
			switch {
			case op.Seq <= have:
				delete(r.parked, id)
				r.opsDiscarded.Add(1)
				changes = append(changes, Change{Kind: ChangeDiscarded, Key: op.Key, Src: op.Src, Seq: op.Seq})
			case op.Seq == have+1:
				delete(r.parked, id)
				chg, aerr := r.applyOp(ctx, op)
				if aerr != nil {
					r.log.ErrorCtx(ctx, "parked op failed", "name", r.name, "src", op.Src, "seq", op.Seq, "err", aerr)
					err = errors.Join(err, aerr)
					continue
				}
				changes = append(changes, chg)
				progress = true
			default:
				r.parkseq.Push(id)
			}
		}
		if !progress {
			return
		}
	}
}

// State returns the full current state and clock.
func (r *Replica) State(ctx context.Context) (Snapshot, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.snapshot(ctx)
}

func (r *Replica) snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Values: make(map[string]Value), Clock: r.clk.Clone()}
	var perr error
	err := r.keyed.Scan(ctx, StateBin, func(key, value []byte) bool {
		v, err := parseState(append([]byte(nil), value...))
		if err != nil {
			perr = err
			return false
		}
		snap.Values[string(key)] = v
		return true
	})
	if err == nil {
		err = perr
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Get returns the current version of one key.
func (r *Replica) Get(ctx context.Context, key string) (Value, bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.loadState(ctx, key)
}

// Fork copies this replica's state, clock and op log into the given
// store and returns a new replica writing under a new source id. The
// content store is shared: refs are immutable, so both replicas can
// resolve each other's base snapshots.
func (r *Replica) Fork(ctx context.Context, src uint64, keyed store.KeyedStore) (*Replica, error) {
	if src == 0 || src > clock.MaxSrc {
		return nil, clock.ErrBadSrc
	}
	r.lock.Lock()
	var cerr error
	for _, bin := range []byte{StateBin, ClockBin, LogBin} {
		err := r.keyed.Scan(ctx, bin, func(key, value []byte) bool {
			k := append([]byte(nil), key...)
			v := append([]byte(nil), value...)
			cerr = keyed.Put(ctx, bin, k, v)
			return cerr == nil
		})
		if err == nil {
			err = cerr
		}
		if err != nil {
			r.lock.Unlock()
			return nil, err
		}
	}
	r.lock.Unlock()

	return NewReplica(ctx, Options{
		Src:     src,
		Name:    r.name + "-fork",
		Logger:  r.log,
		Keyed:   keyed,
		Content: r.content,
	})
}

// AddPeer registers a named peer for Sync. Re-adding a name replaces
// the previous dialer.
func (r *Replica) AddPeer(name string, d Dialer) {
	r.peers.Store(name, d)
}

func (r *Replica) RemovePeer(name string) {
	r.peers.Delete(name)
}

// Parked reports how many ops are currently held on causal gaps.
func (r *Replica) Parked() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.parked)
}

// PendingConflict is a key waiting for a human decision.
type PendingConflict struct {
	Key        string
	ConflictID string
	Options    [][]byte
}

// PendingConflicts lists keys parked on manual resolution. Pending
// conflicts never expire; they wait for ResolveConflict or a local
// overwrite of the key.
func (r *Replica) PendingConflicts() []PendingConflict {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]PendingConflict, 0, len(r.pendingKeys))
	for key, id := range r.pendingKeys {
		p := PendingConflict{Key: key, ConflictID: id}
		if c, err := r.resolver.Get(id); err == nil {
			p.Options = [][]byte{c.V1, c.V2}
			if c.Base != nil {
				p.Options = append(p.Options, c.Base)
			}
		}
		out = append(out, p)
	}
	return out
}

// ResolveConflict settles a pending conflict with the chosen content.
// The decision is written as a fresh local update, so it dominates both
// divergent branches and propagates on the next sync.
func (r *Replica) ResolveConflict(ctx context.Context, key string, chosen []byte) (Snapshot, error) {
	r.lock.Lock()
	id, ok := r.pendingKeys[key]
	if !ok {
		r.lock.Unlock()
		return Snapshot{}, ErrNoPendingConflict
	}
	result, err := r.resolver.ManualResolve(id, chosen)
	if err != nil {
		r.lock.Unlock()
		return Snapshot{}, err
	}
	delete(r.pendingKeys, key)
	ctype := "text"
	if v, hasV, _ := r.loadState(ctx, key); hasV {
		ctype = v.ContentType
	}
	r.conflictsManual.Add(1)
	r.conflictsPending.Add(-1)
	r.lock.Unlock()

	return r.LocalUpdate(ctx, Update{Key: key, ContentType: ctype, Value: result})
}

// OpsSince returns the ops this replica has that the given clock does
// not cover, in a causally safe application order.
func (r *Replica) OpsSince(ctx context.Context, peer clock.Clock) ([]Op, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var ops []Op
	var perr error
	err := r.keyed.Scan(ctx, LogBin, func(key, value []byte) bool {
		op, err := ParseOp(append([]byte(nil), value...))
		if err != nil {
			perr = err
			return false
		}
		if op.Seq > peer.Get(op.Src) {
			ops = append(ops, op)
		}
		return true
	})
	if err == nil {
		err = perr
	}
	if err != nil {
		return nil, err
	}
	sortOps(ops)
	return ops, nil
}

func sortOps(ops []Op) {
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && opLess(&ops[j], &ops[j-1]); j-- {
			ops[j], ops[j-1] = ops[j-1], ops[j]
		}
	}
}

func opLess(a, b *Op) bool {
	wa, wb := a.weight(), b.weight()
	if wa != wb {
		return wa < wb
	}
	if a.Src != b.Src {
		return a.Src < b.Src
	}
	return a.Seq < b.Seq
}

// state record layout: C(ctype) D(data)

func stateTLV(v Value) []byte {
	ret := protocol.Record('C', []byte(v.ContentType))
	return protocol.Append(ret, 'D', v.Data)
}

func parseState(rec []byte) (v Value, err error) {
	ctype, rest, err := protocol.TakeWary('C', rec)
	if err != nil {
		return Value{}, err
	}
	data, _, err := protocol.TakeWary('D', rest)
	if err != nil {
		return Value{}, err
	}
	v.ContentType = string(ctype)
	v.Data = data
	return v, nil
}

func (r *Replica) loadState(ctx context.Context, key string) (Value, bool, error) {
	rec, err := r.keyed.Get(ctx, StateBin, []byte(key))
	if errors.Is(err, store.ErrNotFound) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, err
	}
	v, err := parseState(rec)
	if err != nil {
		return Value{}, false, err
	}
	return v, true, nil
}

func (r *Replica) putState(ctx context.Context, key string, v Value) error {
	return r.keyed.Put(ctx, StateBin, []byte(key), stateTLV(v))
}

func (r *Replica) logOp(ctx context.Context, op Op) error {
	return r.keyed.Put(ctx, LogBin, clock.ZipUint64Pair(op.Seq, op.Src), op.TLV())
}

func (r *Replica) saveClock(ctx context.Context) error {
	return r.keyed.Put(ctx, ClockBin, clockKey, r.clk.TLV())
}

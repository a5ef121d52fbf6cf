package replika

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/drpcorg/replika/clock"
	"github.com/drpcorg/replika/protocol"
	"github.com/drpcorg/replika/utils"
)

type SyncState int

const (
	SendHandshake SyncState = iota
	SendDiff
	SendEOF
	SendNone
)

func (s SyncState) String() string {
	return []string{"SendHandshake", "SendDiff", "SendEOF", "SendNone"}[s]
}

// Syncer runs one side of a sync session as a feed/drain state
// machine. Both ends are symmetric: exchange handshakes carrying the
// local clocks, feed the ops the peer's clock does not cover, close
// with a bye. Wire packets:
//
//	H(T{src} V(clock))  handshake
//	O(op body)          one op, see Op.TLV
//	B(reason)           bye
type Syncer struct {
	Host *Replica
	Name string
	Log  utils.Logger

	feedState  SyncState
	drainState SyncState
	peervv     clock.Clock
	changes    ChangeLog
	reason     error

	lock sync.Mutex
	cond sync.Cond
}

func (sync *Syncer) Feed(ctx context.Context) (recs protocol.Records, err error) {
	switch sync.feedState {
	case SendHandshake:
		recs = protocol.Records{sync.feedHandshake()}
		sync.SetFeedState(SendDiff)

	case SendDiff:
		sync.WaitDrainState(SendDiff)
		recs, err = sync.feedDiff(ctx)
		sync.SetFeedState(SendEOF)

	case SendEOF:
		reason := []byte("all sent")
		if sync.reason != nil {
			reason = []byte(sync.reason.Error())
		}
		recs = protocol.Records{protocol.Record('B', reason)}
		sync.SetFeedState(SendNone)

	case SendNone:
		timer := time.AfterFunc(time.Second, func() {
			sync.SetDrainState(SendNone)
		})
		sync.WaitDrainState(SendNone)
		timer.Stop()
		err = io.EOF
	}
	return
}

func (sync *Syncer) feedHandshake() []byte {
	c := sync.Host.Clock()
	return protocol.Record('H',
		protocol.TinyRecord('T', clock.ZipUint64(sync.Host.Source())),
		protocol.Record('V', c.TLV()),
	)
}

func (sync *Syncer) feedDiff(ctx context.Context) (recs protocol.Records, err error) {
	sync.lock.Lock()
	peervv := sync.peervv
	sync.lock.Unlock()
	ops, err := sync.Host.OpsSince(ctx, peervv)
	if err != nil {
		return nil, err
	}
	for i := range ops {
		recs = append(recs, protocol.Record('O', ops[i].TLV()))
	}
	sync.Log.Debug("sync: feeding diff", "name", sync.Name, "ops", len(ops))
	return recs, nil
}

func (sync *Syncer) Drain(ctx context.Context, recs protocol.Records) (err error) {
	for _, rec := range recs {
		lit := protocol.Lit(rec)
		switch lit {
		case 'H':
			if err = sync.drainHandshake(rec); err != nil {
				return err
			}
		case 'O':
			if sync.drainState < SendDiff || sync.drainState >= SendNone {
				return ErrBadOPacket
			}
			body, _ := protocol.Take('O', rec)
			op, perr := ParseOp(body)
			if perr != nil {
				return perr
			}
			changes, rerr := sync.Host.ReceiveRemote(ctx, op)
			sync.lock.Lock()
			sync.changes = append(sync.changes, changes...)
			sync.lock.Unlock()
			if rerr != nil {
				return rerr
			}
		case 'B':
			body, _ := protocol.Take('B', rec)
			sync.Log.Debug("sync: bye", "name", sync.Name, "reason", string(body))
			sync.SetDrainState(SendNone)
		default:
			return protocol.ErrBadRecord
		}
	}
	return nil
}

func (sync *Syncer) drainHandshake(rec []byte) error {
	if sync.drainState != SendHandshake {
		return ErrBadHPacket
	}
	body, rest := protocol.Take('H', rec)
	if body == nil || len(rest) != 0 {
		return ErrBadHPacket
	}
	_, rest, err := protocol.TakeWary('T', body)
	if err != nil {
		return ErrBadHPacket
	}
	vvtlv, _, err := protocol.TakeWary('V', rest)
	if err != nil {
		return ErrBadHPacket
	}
	peervv, err := clock.FromTLV(vvtlv)
	if err != nil {
		return ErrBadHPacket
	}
	sync.lock.Lock()
	sync.peervv = peervv
	sync.lock.Unlock()
	sync.SetDrainState(SendDiff)
	return nil
}

func (sync *Syncer) Close() error {
	sync.SetDrainState(SendNone)
	return nil
}

// Changes returns what this session did to the host, in order.
func (sync *Syncer) Changes() ChangeLog {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	return append(ChangeLog(nil), sync.changes...)
}

func (sync *Syncer) SetFeedState(state SyncState) {
	sync.Log.Debug("sync: feed state", "name", sync.Name, "state", state.String())
	sync.lock.Lock()
	sync.feedState = state
	sync.lock.Unlock()
}

func (sync *Syncer) SetDrainState(state SyncState) {
	sync.Log.Debug("sync: drain state", "name", sync.Name, "state", state.String())
	sync.lock.Lock()
	if sync.cond.L == nil {
		sync.cond.L = &sync.lock
	}
	if state > sync.drainState {
		sync.drainState = state
	}
	sync.cond.Broadcast()
	sync.lock.Unlock()
}

func (sync *Syncer) WaitDrainState(state SyncState) (ds SyncState) {
	sync.lock.Lock()
	if sync.cond.L == nil {
		sync.cond.L = &sync.lock
	}
	for sync.drainState < state {
		sync.cond.Wait()
	}
	ds = sync.drainState
	sync.lock.Unlock()
	return
}

// runSession pumps a syncer against a connection in both directions
// until the session completes, then closes the connection.
func runSession(ctx context.Context, syn *Syncer, conn protocol.FeedDrainCloser) error {
	inbound := make(chan error, 1)
	go func() {
		inbound <- protocol.Pump(ctx, conn, syn)
	}()
	ferr := protocol.Pump(ctx, syn, conn)
	_ = conn.Close()
	derr := <-inbound
	if ferr != nil && !errors.Is(ferr, io.EOF) && !errors.Is(ferr, protocol.ErrPipeClosed) {
		return ferr
	}
	if derr != nil && !errors.Is(derr, io.EOF) && !errors.Is(derr, protocol.ErrPipeClosed) {
		return derr
	}
	return nil
}

// Sync runs one full exchange with a registered peer: both sides end up
// covering the union of the two op logs, conflicts resolved or parked
// along the way.
func (r *Replica) Sync(ctx context.Context, peer string) (ChangeLog, error) {
	d, ok := r.peers.Load(peer)
	if !ok {
		return nil, ErrUnknownPeer
	}
	conn, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	syn := &Syncer{Host: r, Name: peer, Log: r.log}
	if err = runSession(ctx, syn, conn); err != nil {
		return syn.Changes(), err
	}
	r.syncsTotal.Add(1)
	return syn.Changes(), nil
}

// Serve runs the passive side of a sync session over an accepted
// connection.
func (r *Replica) Serve(ctx context.Context, conn protocol.FeedDrainCloser) error {
	syn := &Syncer{Host: r, Name: r.name, Log: r.log}
	err := runSession(ctx, syn, conn)
	if err == nil {
		r.syncsTotal.Add(1)
	}
	return err
}

// Loopback dials a replica living in the same process, serving it over
// an in-memory pipe. It is the Dialer used by tests and the REPL.
type Loopback struct {
	Peer *Replica
}

func (l Loopback) Dial(ctx context.Context) (protocol.FeedDrainCloser, error) {
	a, b := protocol.NewPipe()
	go func() {
		if err := l.Peer.Serve(ctx, b); err != nil {
			l.Peer.log.ErrorCtx(ctx, "serve failed", "name", l.Peer.name, "err", err)
		}
	}()
	return a, nil
}

package protocol

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Feeder and Drainer are the two ends every record stream in the module
// plugs into: the sync loop, the loopback pipe, a real transport. Feeder
// reads batches of records from a source, Drainer writes them to a sink.

type Feeder interface {
	// Feed reads and returns records. The EoF convention follows that
	// of io.Reader: can either return `records, EoF` or `records, nil`
	// followed by `nil/{}, EoF`.
	Feed(ctx context.Context) (recs Records, err error)
}

type FeedCloser interface {
	Feeder
	io.Closer
}

type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type DrainCloser interface {
	Drainer
	io.Closer
}

// FeedDrainCloser is a complete bidirectional record stream.
type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Relay performs a single feed-drain hop between a feeder and a drainer.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if err != nil {
		if len(recs) > 0 {
			_ = drainer.Drain(ctx, recs)
		}
		return err
	}
	return drainer.Drain(ctx, recs)
}

// Pump relays records from feeder to drainer until an error occurs
// (typically io.EOF) or the context is cancelled.
func Pump(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}

// PumpThenClose pumps records from feed to drain until an error, then
// closes both ends. Feed errors take precedence over drain errors.
func PumpThenClose(ctx context.Context, feed FeedCloser, drain DrainCloser) error {
	var ferr, derr error
	for ferr == nil && derr == nil {
		var recs Records
		recs, ferr = feed.Feed(ctx)
		if len(recs) > 0 { // Feed() may return data AND EOF
			derr = drain.Drain(ctx, recs)
		}
	}
	_ = feed.Close()
	_ = drain.Close()
	if ferr != nil {
		return ferr
	}
	return derr
}

var ErrPipeClosed = errors.New("protocol: pipe closed")

// Pipe is an in-process FeedDrainCloser pair: records drained into one
// end are fed from the other. It stands in for a network transport in
// tests and single-process setups.
type Pipe struct {
	lock   sync.Mutex
	queue  Records
	wake   chan struct{}
	closed bool
}

// NewPipe returns the two ends of a bidirectional loopback connection.
func NewPipe() (a, b FeedDrainCloser) {
	ab := &Pipe{wake: make(chan struct{}, 1)}
	ba := &Pipe{wake: make(chan struct{}, 1)}
	return &pipeEnd{feed: ab, drain: ba}, &pipeEnd{feed: ba, drain: ab}
}

func (p *Pipe) push(recs Records) error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return ErrPipeClosed
	}
	p.queue = append(p.queue, recs...)
	p.lock.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *Pipe) pop(ctx context.Context) (recs Records, err error) {
	for {
		p.lock.Lock()
		if len(p.queue) > 0 {
			recs, p.queue = p.queue, nil
			p.lock.Unlock()
			return recs, nil
		}
		if p.closed {
			p.lock.Unlock()
			return nil, io.EOF
		}
		p.lock.Unlock()
		select {
		case <-p.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pipe) shut() {
	p.lock.Lock()
	p.closed = true
	p.lock.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

type pipeEnd struct {
	feed  *Pipe
	drain *Pipe
}

func (e *pipeEnd) Feed(ctx context.Context) (Records, error) {
	return e.feed.pop(ctx)
}

func (e *pipeEnd) Drain(ctx context.Context, recs Records) error {
	return e.drain.push(recs)
}

func (e *pipeEnd) Close() error {
	e.feed.shut()
	e.drain.shut()
	return nil
}

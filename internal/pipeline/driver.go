package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrDriverStopped is returned by Submit after Run has returned.
var ErrDriverStopped = errors.New("pipeline driver stopped")

type request struct {
	edit  Edit
	reply chan response
}

type response struct {
	result EditResult
	err    error
}

// Driver owns a Pipeline and serialises ticks with edits from other
// goroutines. One frame is processed per tick.
type Driver struct {
	p            *Pipeline
	interval     time.Duration
	stopOnFinish bool
	requests     chan request
	done         chan struct{}
}

// NewDriver wraps p. interval is the delay between ticks; zero ticks as
// fast as frames can be processed.
func NewDriver(p *Pipeline, interval time.Duration) *Driver {
	return &Driver{
		p:        p,
		interval: interval,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
}

// StopWhenFinished makes Run return once the batch has finished, or right
// after setup when the batch could not start. Edits are not waited for.
func (d *Driver) StopWhenFinished() *Driver {
	d.stopOnFinish = true
	return d
}

// Pipeline returns the driven pipeline.
func (d *Driver) Pipeline() *Pipeline {
	return d.p
}

// Run performs setup and then ticks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.done)
	defer d.p.Close()

	if err := d.p.Setup(ctx); err != nil {
		return err
	}

	var tick <-chan time.Time
	if d.interval > 0 {
		t := time.NewTicker(d.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		if d.stopOnFinish && d.idle() {
			return nil
		}

		if !d.p.Running() {
			// Nothing to tick; wait for an edit that may start the batch.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case req := <-d.requests:
				d.handle(req)
			}
			continue
		}

		if tick == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case req := <-d.requests:
				d.handle(req)
			default:
				d.p.Tick(ctx)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-d.requests:
			d.handle(req)
		case <-tick:
			d.p.Tick(ctx)
		}
	}
}

// idle reports whether a stop-when-finished run has nothing left to do.
func (d *Driver) idle() bool {
	return !d.p.Running()
}

func (d *Driver) handle(req request) {
	res, err := d.p.ApplyEdit(req.edit)
	req.reply <- response{result: res, err: err}
}

// Submit applies an edit on the driver goroutine and waits for its result.
func (d *Driver) Submit(ctx context.Context, e Edit) (EditResult, error) {
	req := request{edit: e, reply: make(chan response, 1)}
	select {
	case d.requests <- req:
	case <-d.done:
		return EditResult{}, ErrDriverStopped
	case <-ctx.Done():
		return EditResult{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		return EditResult{}, ctx.Err()
	}
}

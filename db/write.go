package db

import (
	"context"

	"go.strata.dev/core/object"
)

type writeKey struct{}

type writeOp struct {
	ctx  context.Context
	fn   func(context.Context, *object.Txn) error
	done chan error
}

// inWrite returns whether |ctx| is that of a write of |d|.
func inWrite(ctx context.Context, d *DB) bool {
	var w, _ = ctx.Value(writeKey{}).(*DB)
	return w == d
}

// Write invokes |fn| with a write transaction on the DB's writer goroutine,
// and blocks until it commits or rolls back. The transaction commits if
// |fn| returns nil, and rolls back if |fn| fails or |ctx| is Done first.
//
// |fn| is passed a Context derived from |ctx|, with which Write,
// WriteBlocking, and Close fail with ErrNestedWrite or ErrClosedInWrite.
func (d *DB) Write(ctx context.Context, fn func(context.Context, *object.Txn) error) error {
	if inWrite(ctx, d) {
		return ErrNestedWrite
	}
	var op = &writeOp{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case d.writeCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.tasks.Context().Done():
		return ErrClosed
	}
	return <-op.done
}

// WriteBlocking is Write, but invokes |fn| on the calling goroutine.
func (d *DB) WriteBlocking(ctx context.Context, fn func(context.Context, *object.Txn) error) error {
	if inWrite(ctx, d) {
		return ErrNestedWrite
	}
	return d.write(ctx, fn)
}

func (d *DB) serveWrites() error {
	for {
		select {
		case op := <-d.writeCh:
			op.done <- d.write(op.ctx, op.fn)
		case <-d.tasks.Context().Done():
			return nil
		}
	}
}

func (d *DB) write(ctx context.Context, fn func(context.Context, *object.Txn) error) error {
	var w, err = d.m.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if !w.Done() {
			_ = w.Rollback()
		}
	}()

	var txn = object.NewWriteTxn(w, d.cfg.opts.Schema)
	d.attachChangesets(txn)

	if err = fn(context.WithValue(ctx, writeKey{}, d), txn); err != nil {
		return err
	} else if err = ctx.Err(); err != nil {
		return err
	}
	_, err = w.Commit()
	return err
}

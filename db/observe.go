package db

import (
	"context"

	"github.com/pkg/errors"
	"go.strata.dev/core/notify"
	"go.strata.dev/core/object"
	"go.strata.dev/core/query"
)

// Observe methods fail with notify.ErrUnsupported if invoked with the
// Context of a write.

// ObserveFile subscribes to every committed Version of the DB.
func (d *DB) ObserveFile(ctx context.Context) (*notify.Subscription, error) {
	if err := d.checkObserve(ctx); err != nil {
		return nil, err
	}
	return d.notifier.ObserveFile(ctx)
}

// ObserveQuery subscribes to the results of |q|.
func (d *DB) ObserveQuery(ctx context.Context, q query.Query) (*notify.Subscription, error) {
	if err := d.checkObserve(ctx); err != nil {
		return nil, err
	}
	var sub *notify.Subscription
	var err = d.Read(func(txn *object.Txn) (err error) {
		sub, err = d.notifier.ObserveQuery(ctx, txn, q)
		return err
	})
	return sub, err
}

// ObserveObject subscribes to changes of |o|, which must be bound to a
// read transaction or Snapshot.
func (d *DB) ObserveObject(ctx context.Context, o object.Obj) (*notify.Subscription, error) {
	if err := d.checkObserve(ctx); err != nil {
		return nil, err
	}
	return d.notifier.ObserveObject(ctx, o)
}

// ObserveCollection subscribes to the elements of collection |prop| of |o|.
func (d *DB) ObserveCollection(ctx context.Context, o object.Obj, prop string) (*notify.Subscription, error) {
	if err := d.checkObserve(ctx); err != nil {
		return nil, err
	}
	return d.notifier.ObserveCollection(ctx, o, prop)
}

func (d *DB) checkObserve(ctx context.Context) error {
	if inWrite(ctx, d) {
		return errors.WithMessage(notify.ErrUnsupported, "cannot observe from within a write")
	}
	return nil
}

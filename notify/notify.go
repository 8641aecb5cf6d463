// Package notify delivers change events of objects, query results,
// collection properties, and whole Files as new Versions are committed.
//
// A Notifier runs a single goroutine per File, apart from the writer, which
// evaluates each registered Subscription at every Version it observes and
// diffs the result against the Subscription's previous evaluation. Events
// are delivered in commit order through a bounded channel. A Subscription
// whose channel is full when an event is ready is cancelled with
// ErrOverflow: commits are never silently dropped from a live stream.
//
// Consecutive commits may be coalesced into a single Update event.
//
// Evaluations read through internal transactions of the mvcc.Manager, which
// aren't counted against its MaxActiveVersions. Each delivered Event,
// however, pins the Version it describes until it's Released, and that pin
// is counted: a Subscription whose Events go unreleased holds back writers
// of a File having a version ceiling.
package notify

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.strata.dev/core/metrics"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/object"
	"go.strata.dev/core/query"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/value"
)

var (
	// ErrUnsupported is returned when registering a Subscription from
	// within a write transaction, or from a migration's dynamic handles.
	ErrUnsupported = errors.New("notifications require a settled, read-only version")
	// ErrOverflow cancels a Subscription which failed to keep up.
	ErrOverflow = errors.New("subscription buffer overflowed")
	// ErrClosed ends Subscriptions of a closed Notifier or File.
	ErrClosed = errors.New("notifier closed")
)

// DefaultBufferSize is the default number of Events buffered per Subscription.
const DefaultBufferSize = 16

// Kind of an Event.
type Kind int

const (
	// Initial is the first Event of a Subscription, carrying current state.
	Initial Kind = iota
	// Update carries state which changed since the preceding Event.
	Update
	// Deleted is the terminal Event of an object or collection Subscription
	// whose object was deleted.
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Initial:
		return "initial"
	case Update:
		return "update"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// Changes is the structural diff of an Update. Deletions index the
// preceding Event's results, while Insertions and Modifications index the
// current results.
type Changes struct {
	Deletions     []int
	Insertions    []int
	Modifications []int
}

// Empty returns true if the Changes have no entries.
func (c Changes) Empty() bool {
	return len(c.Deletions) == 0 && len(c.Insertions) == 0 && len(c.Modifications) == 0
}

// Event is a change notification of a Subscription.
type Event struct {
	Kind    Kind
	Version mvcc.Version
	// Txn is a frozen read transaction at Version, to which Object and
	// Objects are bound. It's nil for Deleted Events.
	Txn *object.Txn
	// Object of an object Subscription.
	Object object.Obj
	// ChangedFields of an object Subscription's Update.
	ChangedFields []string
	// Objects of a query Subscription, or linked objects of a collection
	// Subscription of an object property.
	Objects []object.Obj
	// Values of a collection Subscription's elements. For dictionaries,
	// Keys holds the key of each value, in sorted order.
	Values []value.Value
	Keys   []string
	// Changes of an Update.
	Changes Changes
}

// Release the Version pinned by the Event.
func (e Event) Release() {
	if e.Txn != nil {
		e.Txn.ReadTxn().Release()
	}
}

// Options of a Notifier.
type Options struct {
	// BufferSize is the number of Events buffered per Subscription. If zero,
	// DefaultBufferSize is used. A buffered Event pins its Version until it's
	// Released, so a Subscription may pin up to BufferSize Versions.
	BufferSize int
}

// Notifier evaluates Subscriptions of a File as its Versions are committed.
type Notifier struct {
	m      *mvcc.Manager
	schema *schema.Schema
	opts   Options

	registerCh chan *Subscription
	cancelCh   chan *Subscription
	stopCh     chan struct{}
	doneCh     chan struct{}
	stopOnce   sync.Once

	// Owned by the serve goroutine.
	subs    map[*Subscription]struct{}
	version mvcc.Version
}

// NewNotifier returns a Notifier of the Manager, which begins serving
// immediately. Objects of Events are bound to |s|.
func NewNotifier(m *mvcc.Manager, s *schema.Schema, opts Options) *Notifier {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	var n = &Notifier{
		m:          m,
		schema:     s,
		opts:       opts,
		registerCh: make(chan *Subscription),
		cancelCh:   make(chan *Subscription),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		subs:       make(map[*Subscription]struct{}),
		version:    m.Latest(),
	}
	go n.serve()
	return n
}

// Close the Notifier, ending its Subscriptions with ErrClosed.
func (n *Notifier) Close() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	<-n.doneCh
}

// Subscription is a registered stream of Events.
type Subscription struct {
	target target
	ch     chan Event
	ctx    context.Context
	stop   func() bool
	doneCh chan struct{}

	mu  sync.Mutex
	err error

	// Owned by the serve goroutine.
	version mvcc.Version
	last    []item
}

// Events returns the channel of the Subscription's Events, which is closed
// when the Subscription ends. Receivers must Release each Event.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done returns a channel which is closed when the Subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.doneCh }

// Err returns the reason the Subscription ended: nil after a terminal
// Deleted Event, or the cancelled Context's error, ErrOverflow, or ErrClosed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ObserveObject subscribes to changes of |o|. The stream ends with a
// Deleted Event when |o| is deleted.
func (n *Notifier) ObserveObject(ctx context.Context, o object.Obj) (*Subscription, error) {
	if err := checkTxn(o.Txn()); err != nil {
		return nil, err
	}
	return n.register(ctx, objectTarget{class: o.Class(), key: o.Key()})
}

// ObserveQuery subscribes to the results of |q|. |txn| is the read
// transaction from which the Subscription is registered.
func (n *Notifier) ObserveQuery(ctx context.Context, txn *object.Txn, q query.Query) (*Subscription, error) {
	if err := checkTxn(txn); err != nil {
		return nil, err
	} else if err = q.Validate(); err != nil {
		return nil, err
	}
	return n.register(ctx, queryTarget{q: q})
}

// ObserveCollection subscribes to the elements of collection property
// |prop| of |o|. The stream ends with a Deleted Event when |o| is deleted.
func (n *Notifier) ObserveCollection(ctx context.Context, o object.Obj, prop string) (*Subscription, error) {
	if err := checkTxn(o.Txn()); err != nil {
		return nil, err
	}
	var c, err = n.schema.MustClass(o.Class())
	if err != nil {
		return nil, err
	}
	p, err := c.MustProperty(prop)
	if err != nil {
		return nil, err
	} else if p.Collection == schema.CollectionNone {
		return nil, errors.Errorf("%s.%s is not a collection", o.Class(), prop)
	}
	return n.register(ctx, collectionTarget{class: o.Class(), key: o.Key(), prop: prop})
}

// ObserveFile subscribes to every Version of the File.
func (n *Notifier) ObserveFile(ctx context.Context) (*Subscription, error) {
	return n.register(ctx, fileTarget{})
}

func checkTxn(txn *object.Txn) error {
	if txn == nil {
		return errors.New("object is not managed")
	} else if txn.Writable() {
		return errors.WithMessage(ErrUnsupported, "cannot observe from within a write transaction")
	} else if txn.Dynamic() {
		return errors.WithMessage(ErrUnsupported, "cannot observe a dynamic migration handle")
	} else if !txn.Valid() {
		return object.ErrInvalidated
	}
	return nil
}

func (n *Notifier) register(ctx context.Context, t target) (*Subscription, error) {
	var sub = &Subscription{
		target: t,
		ch:     make(chan Event, n.opts.BufferSize),
		ctx:    ctx,
		doneCh: make(chan struct{}),
	}
	sub.stop = context.AfterFunc(ctx, func() {
		select {
		case n.cancelCh <- sub:
		case <-sub.doneCh:
		case <-n.doneCh:
		}
	})
	select {
	case n.registerCh <- sub:
		return sub, nil
	case <-n.doneCh:
		sub.stop()
		return nil, ErrClosed
	case <-ctx.Done():
		sub.stop()
		return nil, ctx.Err()
	}
}

func (n *Notifier) serve() {
	defer close(n.doneCh)

	for {
		// Take Updates before examining Latest, so no commit is missed.
		var updates = n.m.Updates()
		if n.m.Latest().Compare(n.version) > 0 {
			if err := n.advance(); err != nil {
				n.closeAll(err)
				return
			}
			continue
		}

		select {
		case sub := <-n.registerCh:
			n.initial(sub)
		case sub := <-n.cancelCh:
			if _, ok := n.subs[sub]; ok {
				n.end(sub, sub.ctx.Err())
			}
		case <-updates:
			if err := n.advance(); err != nil {
				n.closeAll(err)
				return
			}
		case <-n.stopCh:
			n.closeAll(ErrClosed)
			return
		}
	}
}

// advance evaluates Subscriptions at the latest Version.
func (n *Notifier) advance() error {
	if len(n.subs) == 0 {
		n.version = n.m.Latest()
		return nil
	}
	var r, err = n.m.BeginInternalRead()
	if errors.Is(err, mvcc.ErrClosed) {
		return ErrClosed
	} else if err != nil {
		log.WithField("err", err).Error("notifier failed to begin read")
		return err
	}
	defer r.Release()

	n.version = r.Version()
	for sub := range n.subs {
		if sub.version.Compare(n.version) < 0 {
			n.update(sub, r)
		}
	}
	return nil
}

func (n *Notifier) initial(sub *Subscription) {
	n.subs[sub] = struct{}{}
	metrics.NotificationSubscriptions.Inc()

	if err := sub.ctx.Err(); err != nil {
		n.end(sub, err) // Cancelled while registering.
		return
	}

	var r, err = n.m.BeginInternalRead()
	if err != nil {
		n.end(sub, ErrClosed)
		return
	}
	defer r.Release()

	if v := r.Version(); v.Compare(n.version) > 0 {
		n.version = v
	}
	n.evaluate(sub, r, true)
}

func (n *Notifier) update(sub *Subscription, r *mvcc.ReadTxn) { n.evaluate(sub, r, false) }

func (n *Notifier) evaluate(sub *Subscription, r *mvcc.ReadTxn, initial bool) {
	var clone, err = r.Clone()
	if err != nil {
		n.end(sub, ErrClosed)
		return
	}
	var txn = object.NewReadTxn(clone, n.schema)
	sub.version = r.Version()

	snap, exists, err := sub.target.evaluate(txn)
	if err != nil {
		clone.Release()
		log.WithFields(log.Fields{"target": sub.target.name(), "err": err}).
			Warn("failed to evaluate subscription")
		n.end(sub, err)
		return
	} else if !exists {
		clone.Release()
		if n.deliver(sub, Event{Kind: Deleted, Version: sub.version}) {
			n.end(sub, nil)
		}
		return
	}

	var ev = snap.event
	ev.Version, ev.Txn = sub.version, txn

	if initial {
		ev.Kind = Initial
	} else {
		ev.Kind = Update
		ev.Changes = diff(sub.last, snap.items)

		if ev.Changes.Empty() && !sub.target.always() {
			clone.Release()
			return
		}
		if _, ok := sub.target.(objectTarget); ok {
			for _, i := range ev.Changes.Modifications {
				ev.ChangedFields = append(ev.ChangedFields, snap.items[i].id)
			}
		}
	}
	sub.last = snap.items
	n.deliver(sub, ev)
}

// deliver |ev| to |sub|, ending it with ErrOverflow if its buffer is full.
func (n *Notifier) deliver(sub *Subscription, ev Event) bool {
	select {
	case sub.ch <- ev:
		metrics.NotificationEventsTotal.WithLabelValues(sub.target.name()).Inc()
		return true
	default:
		ev.Release()
		metrics.NotificationOverflowsTotal.Inc()
		log.WithField("target", sub.target.name()).Warn("cancelling subscription which overflowed its buffer")
		n.end(sub, ErrOverflow)
		return false
	}
}

// end |sub| with |err|. Unless |err| is nil, buffered Events are discarded.
func (n *Notifier) end(sub *Subscription, err error) {
	if _, ok := n.subs[sub]; !ok {
		return
	}
	delete(n.subs, sub)
	metrics.NotificationSubscriptions.Dec()

	sub.mu.Lock()
	sub.err = err
	sub.mu.Unlock()

	if err != nil {
		for drained := false; !drained; {
			select {
			case ev := <-sub.ch:
				ev.Release()
			default:
				drained = true
			}
		}
	}
	close(sub.ch)
	close(sub.doneCh)
	sub.stop()
}

func (n *Notifier) closeAll(err error) {
	for sub := range n.subs {
		n.end(sub, err)
	}
}

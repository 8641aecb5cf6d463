// Package task runs groups of cooperating goroutines which are blocked on
// collectively, and which fail as a unit.
package task

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group is a group of tasks executed concurrently. Tasks must monitor the
// Group Context and return upon its cancellation. The first task to return
// a non-nil error cancels the Group. Group is not itself thread-safe.
type Group struct {
	// Context of the Group, which is cancelled by a task error, by Cancel,
	// or by cancellation of the parent Context.
	ctx      context.Context
	cancelFn context.CancelFunc

	name    string
	tasks   []task
	eg      *errgroup.Group
	started bool
}

type task struct {
	desc string
	fn   func() error
}

// NewGroup returns a new, empty Group of |name| with the given Context.
func NewGroup(ctx context.Context, name string) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, eg: eg, cancelFn: cancel, name: name}
}

// Context returns the Group Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a function for execution by GoRun. Queue panics if called after GoRun.
func (g *Group) Queue(desc string, fn func() error) {
	if g.started {
		panic("Queue called after GoRun")
	}
	g.tasks = append(g.tasks, task{desc: desc, fn: fn})
}

// GoRun all queued functions. GoRun panics if called twice.
func (g *Group) GoRun() {
	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for i := range g.tasks {
		g.spawn(g.tasks[i])
	}
}

// Go runs |fn| immediately within a started Group.
func (g *Group) Go(desc string, fn func() error) {
	if !g.started {
		panic("Go called before GoRun")
	}
	g.spawn(task{desc: desc, fn: fn})
}

func (g *Group) spawn(t task) {
	g.eg.Go(func() error {
		var err = t.fn()

		// Errors due to Group cancellation are expected, and not logged.
		if err != nil && g.ctx.Err() == nil {
			log.WithFields(log.Fields{"group": g.name, "task": t.desc, "err": err}).
				Warn("task failed")
		}
		return errors.WithMessage(err, t.desc)
	})
}

// Wait for started functions, returning only after all complete. The first
// non-nil error is returned. Wait panics if GoRun hasn't been called.
func (g *Group) Wait() error {
	if !g.started {
		panic("Wait called before GoRun")
	}
	var err = g.eg.Wait()
	g.cancelFn()
	return err
}

// Package migration reconciles the Schema stored in a File with the Schema
// requested at open.
//
// Decide compares the two and returns a Plan:
//
//	stored   | version  | shapes                 | plan
//	---------+----------+------------------------+----------------------------------
//	absent   | -        | -                      | Create
//	present  | equal    | identical              | None
//	present  | equal    | additive changes only  | Migrate (automatic)
//	present  | equal    | destructive changes    | Reset if DeleteIfMigrationNeeded,
//	         |          |                        | else ErrMigrationRequired
//	present  | greater  | identical              | Migrate (Transform, if any)
//	present  | greater  | differ                 | Reset if DeleteIfMigrationNeeded,
//	         |          |                        | else Migrate if a Transform is set
//	         |          |                        | or changes are additive, else
//	         |          |                        | ErrMigrationRequired
//	present  | less     | -                      | ErrDowngrade
//
// Apply executes a Create or Migrate Plan in a single write transaction.
// Reset Plans are executed by the caller, which owns the File's lifecycle.
package migration

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/object"
	"go.strata.dev/core/schema"
)

var (
	// ErrMigrationRequired is returned when the stored Schema differs
	// destructively from the requested one, and no Transform is provided.
	ErrMigrationRequired = errors.New("schema migration required")
	// ErrDowngrade is returned when the requested Schema version is older
	// than the stored version.
	ErrDowngrade = errors.New("schema version is older than the stored version")
	// ErrInconsistent is returned when an old object has no counterpart in
	// the migrated file.
	ErrInconsistent = errors.New("migration is internally inconsistent")
)

// Action of a Plan.
type Action int

const (
	// None: the stored Schema matches.
	None Action = iota
	// Create: the File has no stored Schema.
	Create
	// Migrate: objects are migrated in place.
	Migrate
	// Reset: the File is deleted and recreated.
	Reset
)

func (a Action) String() string {
	switch a {
	case None:
		return "none"
	case Create:
		return "create"
	case Migrate:
		return "migrate"
	case Reset:
		return "reset"
	}
	return "unknown"
}

// Transform is a user-supplied migration of old objects to the new Schema.
type Transform func(*Context) error

// Options of a migration.
type Options struct {
	// Transform invoked by Migrate Plans, which is required if the Schema
	// changes destructively.
	Transform Transform
	// DeleteIfMigrationNeeded resets the File instead of migrating it.
	DeleteIfMigrationNeeded bool
}

// Plan of a migration.
type Plan struct {
	Action Action
	// From is the stored Schema, or nil if there is none.
	From *schema.Schema
	// To is the requested Schema.
	To      *schema.Schema
	Changes []schema.Change
}

// Decide the Plan which migrates |stored| (which may be nil) to |requested|.
func Decide(stored, requested *schema.Schema, opts Options) (Plan, error) {
	var plan = Plan{From: stored, To: requested}

	if stored == nil {
		plan.Action = Create
		return plan, nil
	}
	plan.Changes = schema.Diff(stored, requested)

	var destructive = len(schema.Destructive(plan.Changes)) != 0
	var identical = len(plan.Changes) == 0

	switch {
	case requested.Version < stored.Version:
		return plan, errors.WithMessagef(ErrDowngrade, "stored version %d, requested %d",
			stored.Version, requested.Version)

	case requested.Version == stored.Version && identical:
		plan.Action = None
	case requested.Version == stored.Version && !destructive:
		plan.Action = Migrate
	case requested.Version == stored.Version:
		if !opts.DeleteIfMigrationNeeded {
			return plan, errors.WithMessagef(ErrMigrationRequired,
				"schema changed without a version increase (%s)", describe(plan.Changes))
		}
		plan.Action = Reset

	case identical:
		plan.Action = Migrate
	case opts.DeleteIfMigrationNeeded:
		plan.Action = Reset
	case opts.Transform != nil || !destructive:
		plan.Action = Migrate
	default:
		return plan, errors.WithMessagef(ErrMigrationRequired,
			"destructive changes require a migration transform (%s)", describe(plan.Changes))
	}
	return plan, nil
}

func describe(changes []schema.Change) string {
	var parts []string
	for _, ch := range schema.Destructive(changes) {
		parts = append(parts, ch.String())
	}
	return strings.Join(parts, ", ")
}

// Apply a Create or Migrate Plan to the Manager's File.
func Apply(ctx context.Context, m *mvcc.Manager, plan Plan, opts Options) error {
	switch plan.Action {
	case None:
		return nil
	case Create:
		return create(ctx, m, plan.To)
	case Migrate:
		return migrate(ctx, m, plan, opts.Transform)
	}
	return errors.Errorf("%s plans cannot be applied", plan.Action)
}

// Load the stored Schema of the Manager's File, if any.
func Load(m *mvcc.Manager) (*schema.Schema, error) {
	var r, err = m.BeginRead()
	if err != nil {
		return nil, err
	}
	defer r.Release()

	s, _, err := object.ReadSchema(r)
	return s, err
}

func create(ctx context.Context, m *mvcc.Manager, s *schema.Schema) error {
	var w, err = m.BeginWrite(ctx)
	if err != nil {
		return err
	}
	if err = object.WriteSchema(w, s); err != nil {
		_ = w.Rollback()
		return err
	} else if _, err = w.Commit(); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"path":    m.File().Path(),
		"version": s.Version,
		"classes": len(s.Classes),
	}).Info("created schema")
	return nil
}

func migrate(ctx context.Context, m *mvcc.Manager, plan Plan, fn Transform) (err error) {
	w, err := m.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && !w.Done() {
			_ = w.Rollback()
		}
	}()

	// The writer excludes other commits, so the latest read is our base.
	r, err := m.BeginRead()
	if err != nil {
		return err
	}
	defer r.Release()

	var mc = &Context{
		Old: object.NewReadTxn(r, plan.From),
		New: object.NewWriteTxn(w, plan.To),
	}
	mc.Old.SetDynamic()
	mc.New.SetDynamic()

	if err = mc.New.Normalize(plan.From); err != nil {
		return errors.WithMessage(err, "normalizing objects")
	}
	if fn != nil {
		if err = fn(mc); err != nil {
			return errors.WithMessage(err, "migration transform")
		}
	}
	for _, class := range plan.To.ClassNames() {
		if err = mc.New.RebuildIndex(class); err != nil {
			return errors.WithMessagef(err, "rebuilding %s index", class)
		}
	}
	if err = object.WriteSchema(w, plan.To); err != nil {
		return err
	} else if _, err = w.Commit(); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"path":    m.File().Path(),
		"from":    plan.From.Version,
		"to":      plan.To.Version,
		"changes": len(plan.Changes),
	}).Info("migrated schema")
	return nil
}

// Context is the state of an in-progress migration.
type Context struct {
	// Old is a read-only, dynamic view of the File under its stored Schema.
	Old *object.Txn
	// New is a writable, dynamic view of the File under the requested
	// Schema. Primary keys may be changed through New.
	New *object.Txn
}

// Enumerate calls |fn| with each object of |class| under the old Schema,
// and its counterpart under the new Schema. If |class| was removed, or its
// objects were discarded, the counterpart is a zero Obj.
func (c *Context) Enumerate(class string, fn func(old, new object.Obj) error) error {
	var retained bool
	if nc, ok := c.New.Schema().Class(class); ok {
		var oc, _ = c.Old.Schema().Class(class)
		retained = oc != nil && oc.Embedded == nc.Embedded
	}

	return c.Old.ForEach(class, func(old object.Obj) error {
		var next object.Obj
		if retained {
			var ok bool
			var err error
			if next, ok, err = c.New.Object(class, old.Key()); err != nil {
				return err
			} else if !ok {
				return errors.WithMessagef(ErrInconsistent, "%s has no migrated counterpart", old)
			}
		}
		return fn(old, next)
	})
}

package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/object"
)

// ErrInvalidTimeout is returned by waits given a non-positive timeout.
var ErrInvalidTimeout = errors.New("timeout must be positive")

// Manager of the Sets of a file. Sets are stored within the file itself,
// and survive its reopening.
type Manager struct {
	m   *mvcc.Manager
	now func() time.Time

	mu       sync.Mutex
	sets     []Set // Ordered on Version.
	changeCh chan struct{}
}

const tagSubscriptions = "s"

func setKey(version uint64) []byte {
	return encoding.EncodeUvarintAscending(object.Tag(tagSubscriptions), version)
}

// NewManager loads the Sets of the Manager's file.
func NewManager(m *mvcc.Manager) (*Manager, error) {
	var r, err = m.BeginRead()
	if err != nil {
		return nil, err
	}
	defer r.Release()

	var sm = &Manager{m: m, now: now, changeCh: make(chan struct{})}
	var prefix = object.Tag(tagSubscriptions)
	var end = append(prefix[:len(prefix):len(prefix)], 0xff)

	if err = r.Scan(prefix, end, func(_, v []byte) error {
		var s Set
		if err := json.Unmarshal(v, &s); err != nil {
			return errors.WithMessage(err, "decoding subscription set")
		}
		sm.sets = append(sm.sets, s)
		return nil
	}); err != nil {
		return nil, err
	}
	return sm, nil
}

// Latest returns the most recent Set. Absent any committed Set, it's an
// empty and Complete Set of version zero.
func (sm *Manager) Latest() Set {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sets) == 0 {
		return Set{State: Complete}
	}
	return sm.sets[len(sm.sets)-1].clone()
}

// Get the Set of |version|. Sets superseded by more than one version may
// have been discarded, and are reported as Superseded.
func (sm *Manager) Get(version uint64) Set {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.getLocked(version)
}

func (sm *Manager) getLocked(version uint64) Set {
	var i = sort.Search(len(sm.sets), func(i int) bool { return sm.sets[i].Version >= version })
	if i != len(sm.sets) && sm.sets[i].Version == version {
		return sm.sets[i].clone()
	} else if len(sm.sets) == 0 && version == 0 {
		return Set{State: Complete}
	}
	return Set{Version: version, State: Superseded}
}

// Changes returns a channel which is closed upon the next change of any Set.
func (sm *Manager) Changes() <-chan struct{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.changeCh
}

// Update invokes |fn| with a MutableSet copy of the latest Set. If |fn|
// succeeds, the MutableSet is committed as a new Bootstrapping Set which
// supersedes all prior Sets. Otherwise the latest Set is unchanged.
func (sm *Manager) Update(ctx context.Context, fn func(*MutableSet) error) (Set, error) {
	var w, err = sm.m.BeginWrite(ctx)
	if err != nil {
		return Set{}, err
	}
	// Holding the writer serializes concurrent Updates.
	var base = sm.Latest()
	var ms = &MutableSet{base: base, subs: base.Subscriptions, now: sm.now}

	if err = fn(ms); err != nil {
		_ = w.Rollback()
		return Set{}, err
	}
	var next = Set{
		Version:       base.Version + 1,
		State:         Bootstrapping,
		Subscriptions: ms.subs,
	}
	if next.Subscriptions == nil {
		next.Subscriptions = []Subscription{}
	}

	sm.mu.Lock()
	var retained []Set
	for _, s := range sm.sets {
		if s.Version < base.Version {
			if _, err = w.Delete(setKey(s.Version)); err != nil {
				break
			}
			continue
		}
		if s.State != Error {
			s.State = Superseded
		}
		retained = append(retained, s)
	}
	retained = append(retained, next)
	sm.mu.Unlock()

	for _, s := range retained {
		if err == nil {
			err = putSet(w, s)
		}
	}
	if err != nil {
		_ = w.Rollback()
		return Set{}, err
	} else if _, err = w.Commit(); err != nil {
		return Set{}, err
	}

	sm.mu.Lock()
	sm.sets = retained
	sm.notifyLocked()
	sm.mu.Unlock()

	log.WithFields(log.Fields{
		"version":       next.Version,
		"subscriptions": len(next.Subscriptions),
	}).Info("committed subscription set")

	return next.clone(), nil
}

// Transition the Set of |version| to State |to|. An Error transition
// records |reason|.
func (sm *Manager) Transition(ctx context.Context, version uint64, to State, reason string) error {
	var w, err = sm.m.BeginWrite(ctx)
	if err != nil {
		return err
	}
	sm.mu.Lock()
	var cur = sm.getLocked(version)
	sm.mu.Unlock()

	if cur.State == Superseded {
		_ = w.Rollback()
		return errors.WithMessagef(ErrSuperseded, "version %d", version)
	} else if !allowed(cur.State, to) {
		_ = w.Rollback()
		return errors.WithMessagef(ErrIllegalTransition, "version %d from %s to %s", version, cur.State, to)
	}
	cur.State = to
	if to == Error {
		cur.Reason = reason
	}
	if err = putSet(w, cur); err != nil {
		_ = w.Rollback()
		return err
	} else if _, err = w.Commit(); err != nil {
		return err
	}

	sm.mu.Lock()
	for i := range sm.sets {
		if sm.sets[i].Version == version {
			sm.sets[i] = cur
		}
	}
	sm.notifyLocked()
	sm.mu.Unlock()

	var entry = log.WithFields(log.Fields{"version": version, "state": to})
	if to == Error {
		entry.WithField("reason", reason).Warn("subscription set failed")
	} else {
		entry.Debug("subscription set transitioned")
	}
	return nil
}

// WaitForSynchronization blocks until the Set of |version| is Complete or
// Error, or |timeout| elapses. It returns true if the Set is Complete, and
// false if the timeout elapsed. An Error Set returns its Err, and a
// Superseded Set returns ErrSuperseded.
func (sm *Manager) WaitForSynchronization(ctx context.Context, version uint64, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return false, errors.WithMessagef(ErrInvalidTimeout, "got %s", timeout)
	}
	var waitCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		sm.mu.Lock()
		var set, ch = sm.getLocked(version), sm.changeCh
		sm.mu.Unlock()

		switch set.State {
		case Complete:
			return true, nil
		case Error:
			return false, set.Err()
		case Superseded:
			return false, errors.WithMessagef(ErrSuperseded, "version %d", version)
		}

		select {
		case <-ch:
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return false, err
			}
			return false, nil
		}
	}
}

func (sm *Manager) notifyLocked() {
	close(sm.changeCh)
	sm.changeCh = make(chan struct{})
}

func now() time.Time { return time.Now().UTC().Round(0) }

func putSet(w *mvcc.WriteTxn, s Set) error {
	var b, err = json.Marshal(s)
	if err != nil {
		return err
	}
	return w.Put(setKey(s.Version), b)
}

package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/query"
)

func TestMutableSetAddAndRemove(t *testing.T) {
	var sm = newTestManager(t)
	var adults = query.New("Person").Filter("age >= 18")
	var minors = query.New("Person").Filter("age < 18")
	var dogs = query.New("Dog")

	var set, err = sm.Update(context.Background(), func(ms *MutableSet) error {
		require.Equal(t, Uncommitted, ms.State())

		var a, err = ms.Add(adults, "", false)
		require.NoError(t, err)
		require.True(t, a.Anonymous())

		// Anonymous duplicates return the existing subscription.
		again, err := ms.Add(adults, "", false)
		require.NoError(t, err)
		require.Equal(t, a.ID, again.ID)

		named, err := ms.Add(minors, "kids", false)
		require.NoError(t, err)

		// A name in use by a different query requires |updateExisting|.
		_, err = ms.Add(dogs, "kids", false)
		require.True(t, errors.Is(err, ErrNameInUse), "%v", err)

		replaced, err := ms.Add(dogs, "kids", true)
		require.NoError(t, err)
		require.Equal(t, named.ID, replaced.ID)
		require.Equal(t, "Dog", replaced.Class)
		require.Equal(t, "TRUEPREDICATE", replaced.Query)

		_, err = ms.Add(query.New("Person").Limit(0), "", false)
		require.EqualError(t, err, "limit must be at least 1 (got 0)")

		require.Len(t, ms.Subscriptions(), 2)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), set.Version)
	require.Equal(t, Bootstrapping, set.State)

	var kids, ok = set.FindByName("kids")
	require.True(t, ok)
	require.Equal(t, "Dog", kids.Class)
	_, ok = set.FindByQuery(adults)
	require.True(t, ok)
	_, ok = set.FindByQuery(minors)
	require.False(t, ok)

	set, err = sm.Update(context.Background(), func(ms *MutableSet) error {
		require.False(t, ms.RemoveByName("missing"))
		require.True(t, ms.RemoveByClass("Dog", false))
		require.False(t, ms.RemoveByClass("Dog", false))
		require.True(t, ms.RemoveAll(true))
		require.False(t, ms.RemoveAll(false))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, set.Len())
}

func TestUpdateIsAtomic(t *testing.T) {
	var sm = newTestManager(t)
	var boom = errors.New("boom")

	var _, err = sm.Update(context.Background(), func(ms *MutableSet) error {
		var _, err = ms.Add(query.New("Person"), "all", false)
		require.NoError(t, err)
		return boom
	})
	require.Equal(t, boom, err)

	var latest = sm.Latest()
	require.Equal(t, uint64(0), latest.Version)
	require.Equal(t, Complete, latest.State)
	require.Equal(t, 0, latest.Len())
}

func TestStateTransitions(t *testing.T) {
	var sm = newTestManager(t)
	var ctx = context.Background()

	var v1, err = sm.Update(ctx, addAll)
	require.NoError(t, err)
	v2, err := sm.Update(ctx, addAll)
	require.NoError(t, err)
	require.Equal(t, Superseded, sm.Get(v1.Version).State)

	err = sm.Transition(ctx, v1.Version, Pending, "")
	require.True(t, errors.Is(err, ErrSuperseded), "%v", err)

	// No transition skips Pending.
	err = sm.Transition(ctx, v2.Version, Complete, "")
	require.EqualError(t, err, "version 2 from bootstrapping to complete: illegal subscription state transition")

	require.NoError(t, sm.Transition(ctx, v2.Version, Pending, ""))
	require.NoError(t, sm.Transition(ctx, v2.Version, Complete, ""))

	ok, err := sm.WaitForSynchronization(ctx, v2.Version, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = sm.WaitForSynchronization(ctx, v1.Version, time.Second)
	require.True(t, errors.Is(err, ErrSuperseded))

	// Sets are persisted in the file.
	reloaded, err := NewManager(sm.m)
	require.NoError(t, err)
	var a, b = sm.Latest(), reloaded.Latest()
	require.Equal(t, a.Version, b.Version)
	require.Equal(t, a.State, b.State)
	require.Equal(t, a.Subscriptions[0].ID, b.Subscriptions[0].ID)
	require.True(t, a.Subscriptions[0].CreatedAt.Equal(b.Subscriptions[0].CreatedAt))

	// Sets superseded by more than one version are discarded.
	v3, err := sm.Update(ctx, addAll)
	require.NoError(t, err)
	_, err = sm.Update(ctx, addAll)
	require.NoError(t, err)
	require.Equal(t, Superseded, sm.Get(v3.Version).State)
	require.Equal(t, Set{Version: v1.Version, State: Superseded}, sm.Get(v1.Version))
}

func TestWaitForSynchronization(t *testing.T) {
	var sm = newTestManager(t)
	var ctx = context.Background()

	var set, err = sm.Update(ctx, addAll)
	require.NoError(t, err)

	_, err = sm.WaitForSynchronization(ctx, set.Version, 0)
	require.True(t, errors.Is(err, ErrInvalidTimeout))

	// A timeout isn't an error.
	ok, err := sm.WaitForSynchronization(ctx, set.Version, 10*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)

	var done = make(chan error)
	go func() {
		var _, err = sm.WaitForSynchronization(ctx, set.Version, time.Minute)
		done <- err
	}()
	require.NoError(t, sm.Transition(ctx, set.Version, Error, "queries of Person are not allowed"))

	err = <-done
	require.True(t, errors.Is(err, ErrFailed))
	require.EqualError(t, err, "queries of Person are not allowed: subscription set failed")
	require.Equal(t, "queries of Person are not allowed", sm.Latest().Reason)

	// A cancelled context is an error.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	next, err := sm.Update(ctx, addAll)
	require.NoError(t, err)
	_, err = sm.WaitForSynchronization(cancelled, next.Version, time.Minute)
	require.Equal(t, context.Canceled, err)
}

func addAll(ms *MutableSet) error {
	var _, err = ms.Add(query.New("Person"), "all", false)
	return err
}

func newTestManager(t *testing.T) *Manager {
	var m, err = mvcc.Open(afero.NewMemMapFs(), "/subs.strata", mvcc.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	sm, err := NewManager(m)
	require.NoError(t, err)
	return sm
}

package task

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestGroupCancelsOnFirstError(t *testing.T) {
	var g = NewGroup(context.Background(), "test")
	var boom = errors.New("boom")

	g.Queue("waiter", func() error {
		<-g.Context().Done()
		return g.Context().Err()
	})
	g.Queue("failer", func() error { return boom })
	g.GoRun()

	var err = g.Wait()
	require.EqualError(t, err, "failer: boom")
	require.Equal(t, boom, errors.Cause(err))
	require.Error(t, g.Context().Err())
}

func TestGroupLateTasksAndCancel(t *testing.T) {
	var g = NewGroup(context.Background(), "test")
	require.Panics(t, func() { g.Go("early", func() error { return nil }) })

	g.GoRun()
	var ran = make(chan struct{})
	g.Go("late", func() error {
		close(ran)
		<-g.Context().Done()
		return nil
	})
	<-ran

	g.Cancel()
	require.NoError(t, g.Wait())
	require.Panics(t, func() { g.Queue("after", func() error { return nil }) })
	require.Panics(t, g.GoRun)
}

package core_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multisig-wizard/coordinator/core"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func TestSchedulerAdd(t *testing.T) {
	s := core.NewScheduler(logrus.New())

	require.Nil(t, s.Add(core.Task{Name: "sweep", Interval: time.Minute, Run: noop}))
	assert.NotNil(t, s.Add(core.Task{Name: "sweep", Interval: time.Minute, Run: noop}))
	assert.NotNil(t, s.Add(core.Task{Name: "digest", Run: noop}))

	s.Start(context.Background())
	defer s.Stop()
	assert.NotNil(t, s.Add(core.Task{Name: "late", Interval: time.Minute, Run: noop}))
}

func TestSchedulerRunsPeriodically(t *testing.T) {
	s := core.NewScheduler(logrus.New())
	var runs int32
	require.Nil(t, s.Add(core.Task{
		Name:         "tick",
		Interval:     10 * time.Millisecond,
		InitialDelay: 5 * time.Millisecond,
		Run: func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return errors.New("failures do not stop the loop")
		},
	}))

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	stopped := atomic.LoadInt32(&runs)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&runs))
}

func TestSchedulerTriggerJoinsRunInFlight(t *testing.T) {
	s := core.NewScheduler(logrus.New())
	var (
		runs    int32
		running int32
		overlap int32
		release = make(chan struct{})
		entered = make(chan struct{}, 1)
	)
	require.Nil(t, s.Add(core.Task{
		Name:         "digest",
		Interval:     time.Hour,
		InitialDelay: time.Hour,
		Run: func(context.Context) error {
			if atomic.AddInt32(&running, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			defer atomic.AddInt32(&running, -1)
			atomic.AddInt32(&runs, 1)
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return nil
		},
	}))

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.Nil(t, s.Trigger(ctx, "digest"))
	}()
	<-entered

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Nil(t, s.Trigger(ctx, "digest"))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlap))
	assert.LessOrEqual(t, atomic.LoadInt32(&runs), int32(5))
	assert.NotNil(t, s.Trigger(ctx, "unknown"))
}

package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/plugin"
)

type funcVM struct {
	fn     func(*plugin.PluginEvent) (*plugin.PluginEvent, error)
	closed atomic.Bool
}

func (v *funcVM) ProcessEvent(_ context.Context, ev *plugin.PluginEvent) (*plugin.PluginEvent, error) {
	return v.fn(ev)
}

func (v *funcVM) Close() error {
	v.closed.Store(true)
	return nil
}

func newTestPool(t *testing.T, cfg Config, factory plugin.Factory) *Pool {
	t.Helper()
	p := NewPool(cfg, factory, nil, zap.NewNop().Sugar())
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Destroy(ctx)
	})
	return p
}

func TestRunTask_ProcessEventPassthrough(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 1}, nil)

	ev := &plugin.PluginEvent{Event: "pageview", DistinctID: "d1", TeamID: 2}
	res, err := p.RunTask(context.Background(), Task{Name: TaskProcessEvent, Event: ev})
	require.NoError(t, err)
	assert.Equal(t, ev, res.Event)
}

func TestRunTask_PluginDropsEvent(t *testing.T) {
	factory := func() (plugin.VM, error) {
		return &funcVM{fn: func(ev *plugin.PluginEvent) (*plugin.PluginEvent, error) {
			if ev.Event == "spam" {
				return nil, nil
			}
			return ev, nil
		}}, nil
	}
	p := newTestPool(t, Config{Concurrency: 1}, factory)

	res, err := p.RunTask(context.Background(), Task{
		Name:  TaskProcessEvent,
		Event: &plugin.PluginEvent{Event: "spam"},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Event)
}

func TestRunTask_ProcessEventsKeepsOrder(t *testing.T) {
	factory := func() (plugin.VM, error) {
		return &funcVM{fn: func(ev *plugin.PluginEvent) (*plugin.PluginEvent, error) {
			if ev.Event == "drop-me" {
				return nil, nil
			}
			return ev, nil
		}}, nil
	}
	p := newTestPool(t, Config{Concurrency: 1}, factory)

	batch := []*plugin.PluginEvent{
		{Event: "first"},
		{Event: "drop-me"},
		{Event: "third"},
	}
	res, err := p.RunTask(context.Background(), Task{Name: TaskProcessEvents, Events: batch})
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
	assert.Equal(t, "first", res.Events[0].Event)
	assert.Nil(t, res.Events[1], "dropped events keep their slot")
	assert.Equal(t, "third", res.Events[2].Event)
}

func TestRunTask_UnknownTask(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 1}, nil)

	_, err := p.RunTask(context.Background(), Task{Name: "compressLogs"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
}

func TestRunTask_PanicRestartsWorkerVM(t *testing.T) {
	var created atomic.Int32
	var firstVM *funcVM
	factory := func() (plugin.VM, error) {
		n := created.Add(1)
		vm := &funcVM{fn: func(ev *plugin.PluginEvent) (*plugin.PluginEvent, error) {
			if n == 1 {
				panic("plugin runtime corrupted")
			}
			return ev, nil
		}}
		if n == 1 {
			firstVM = vm
		}
		return vm, nil
	}
	p := newTestPool(t, Config{Concurrency: 1}, factory)

	_, err := p.RunTask(context.Background(), Task{
		Name:  TaskProcessEvent,
		Event: &plugin.PluginEvent{Event: "boom"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerCrashed)

	// The worker restarted with a fresh VM and keeps serving.
	res, err := p.RunTask(context.Background(), Task{
		Name:  TaskProcessEvent,
		Event: &plugin.PluginEvent{Event: "after"},
	})
	require.NoError(t, err)
	assert.Equal(t, "after", res.Event.Event)
	assert.Equal(t, int32(2), created.Load())
	assert.True(t, firstVM.closed.Load(), "crashed VM must be closed")
}

func TestRunTask_AfterDestroy(t *testing.T) {
	p := NewPool(Config{Concurrency: 1}, nil, nil, zap.NewNop().Sugar())
	require.NoError(t, p.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Destroy(ctx))

	_, err := p.RunTask(context.Background(), Task{Name: TaskProcessEvent})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestDestroy_WaitsForInFlightTasks(t *testing.T) {
	started := make(chan struct{})
	factory := func() (plugin.VM, error) {
		return &funcVM{fn: func(ev *plugin.PluginEvent) (*plugin.PluginEvent, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return ev, nil
		}}, nil
	}
	p := NewPool(Config{Concurrency: 1}, factory, nil, zap.NewNop().Sugar())
	require.NoError(t, p.Start())

	var res *Result
	var runErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, runErr = p.RunTask(context.Background(), Task{
			Name:  TaskProcessEvent,
			Event: &plugin.PluginEvent{Event: "slow"},
		})
	}()

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Destroy(ctx))

	wg.Wait()
	require.NoError(t, runErr)
	assert.Equal(t, "slow", res.Event.Event)
}

func TestRunTask_TimeoutBoundsPluginCalls(t *testing.T) {
	factory := func() (plugin.VM, error) {
		return &funcVM{fn: func(ev *plugin.PluginEvent) (*plugin.PluginEvent, error) {
			time.Sleep(500 * time.Millisecond)
			return ev, nil
		}}, nil
	}
	p := newTestPool(t, Config{Concurrency: 1, TaskTimeout: 20 * time.Millisecond}, factory)

	_, err := p.RunTask(context.Background(), Task{
		Name:  TaskProcessEvent,
		Event: &plugin.PluginEvent{Event: "hang"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestPool_ConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	factory := func() (plugin.VM, error) {
		return &funcVM{fn: func(ev *plugin.PluginEvent) (*plugin.PluginEvent, error) {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return ev, nil
		}}, nil
	}
	p := newTestPool(t, Config{Concurrency: 2, TasksPerWorker: 4}, factory)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.RunTask(context.Background(), Task{
				Name:  TaskProcessEvent,
				Event: &plugin.PluginEvent{Event: "load"},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

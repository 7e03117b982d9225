package executor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofanout/fanout/internal/conn"
	"github.com/gofanout/fanout/internal/executor"
	"github.com/gofanout/fanout/internal/task"
)

// fakeRemote is the test double for the connection capability: built
// from a Params record, exposing the same host/user/port surface, no
// live transport behind it.
type fakeRemote struct {
	params conn.Params
	mu     sync.Mutex
	closed bool
}

func (f *fakeRemote) Host() string { return f.params.Host }
func (f *fakeRemote) User() string { return f.params.User }
func (f *fakeRemote) Port() int {
	if f.params.Port == 0 {
		return conn.DefaultPort
	}
	return f.params.Port
}

func (f *fakeRemote) Run(ctx context.Context, command string) (*conn.RunResult, error) {
	return &conn.RunResult{Command: command, Host: f.params.Host}, nil
}

func (f *fakeRemote) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeFactory records every remote it builds, in construction order.
type fakeFactory struct {
	mu      sync.Mutex
	remotes []*fakeRemote
	failFor string
}

func (f *fakeFactory) build(p conn.Params) (conn.Remote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != "" && p.Host == f.failFor {
		return nil, fmt.Errorf("no route to %s", p.Host)
	}
	r := &fakeRemote{params: p}
	f.remotes = append(f.remotes, r)
	return r, nil
}

// countingEngine wraps the real pool engine and records batch sizes.
type countingEngine struct {
	inner   executor.Engine
	batches [][]task.Invoker
}

func (e *countingEngine) Run(ctx context.Context, calls []task.Invoker) []executor.Outcome {
	e.batches = append(e.batches, calls)
	return e.inner.Run(ctx, calls)
}

func newExecutor(t *testing.T, opts ...executor.Option) (*executor.Executor, *fakeFactory, *countingEngine) {
	t.Helper()
	factory := &fakeFactory{}
	engine := &countingEngine{inner: executor.NewPoolEngine(4)}
	return executor.New(factory.build, engine, opts...), factory, engine
}

func hostBody(fail map[string]error) task.Body {
	return func(ctx context.Context, c *task.Context) (any, error) {
		if c.Remote == nil {
			return "plain", nil
		}
		if err := fail[c.Remote.Host()]; err != nil {
			return nil, err
		}
		return "ran on " + c.Remote.Host(), nil
	}
}

func TestExecutePlainCallWithoutHosts(t *testing.T) {
	exec, factory, engine := newExecutor(t)
	tsk := task.New("plain", hostBody(nil))

	results, err := exec.Execute(context.Background(), tsk)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "plain", results[0].Value)
	assert.Empty(t, results[0].Host)
	assert.Empty(t, factory.remotes, "no connection context for a plain call")
	require.Len(t, engine.batches, 1)
	require.Len(t, engine.batches[0], 1)

	_, isBound := engine.batches[0][0].(*task.ConnectionCall)
	assert.False(t, isBound, "plain call must not carry init params")
}

func TestExecutePlainCallErrorPassesThrough(t *testing.T) {
	exec, _, _ := newExecutor(t)
	boom := errors.New("boom")
	tsk := task.New("failing", func(ctx context.Context, c *task.Context) (any, error) {
		return nil, boom
	})

	results, err := exec.Execute(context.Background(), tsk)
	require.ErrorIs(t, err, boom)

	var group *executor.GroupError
	assert.False(t, errors.As(err, &group), "plain path must not wrap into an aggregate")
	require.Len(t, results, 1)
}

func TestExecuteFanOutOverTaskHosts(t *testing.T) {
	exec, factory, _ := newExecutor(t)
	tsk := task.New("deploy", hostBody(nil), task.WithHosts(task.Host("h1"), task.Host("h2")))

	results, err := exec.Execute(context.Background(), tsk)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "h1", results[0].Host)
	assert.Equal(t, "ran on h1", results[0].Value)
	assert.Equal(t, "h2", results[1].Host)
	assert.Equal(t, "ran on h2", results[1].Value)

	require.Len(t, factory.remotes, 2)
	for _, r := range factory.remotes {
		assert.True(t, r.closed, "remote %s must be closed after collection", r.Host())
	}
}

func TestExecuteOverrideWinsOverTaskHosts(t *testing.T) {
	exec, factory, _ := newExecutor(t)
	tsk := task.New("deploy", hostBody(nil), task.WithHosts(task.Host("x")))

	results, err := exec.Execute(context.Background(), tsk,
		executor.WithHosts(task.Host("y")))
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "y", results[0].Host)
	require.Len(t, factory.remotes, 1)
	assert.Equal(t, "y", factory.remotes[0].Host())
}

func TestExecuteExplicitEmptyOverrideIsNothingToDo(t *testing.T) {
	exec, factory, engine := newExecutor(t)
	tsk := task.New("deploy", hostBody(nil), task.WithHosts(task.Host("x")))

	results, err := exec.Execute(context.Background(), tsk, executor.WithHosts())
	require.ErrorIs(t, err, executor.ErrNothingToDo)
	assert.Nil(t, results)
	assert.Empty(t, factory.remotes)
	assert.Empty(t, engine.batches, "nothing must be dispatched")
}

func TestExecuteEmptyTaskHostListIsNothingToDo(t *testing.T) {
	exec, _, engine := newExecutor(t)
	tsk := task.New("deploy", hostBody(nil), task.WithHosts())

	_, err := exec.Execute(context.Background(), tsk)
	require.ErrorIs(t, err, executor.ErrNothingToDo)
	assert.Empty(t, engine.batches)
}

func TestExecuteDuplicateHostsGetIndependentContexts(t *testing.T) {
	exec, factory, _ := newExecutor(t)
	tsk := task.New("deploy", hostBody(nil))

	results, err := exec.Execute(context.Background(), tsk,
		executor.WithHosts(task.Host("a"), task.Host("a")))
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Len(t, factory.remotes, 2)
	assert.NotSame(t, factory.remotes[0], factory.remotes[1])
}

func TestExecutePartialFailureRaisesAggregate(t *testing.T) {
	exec, _, _ := newExecutor(t)
	h2Err := errors.New("disk full")
	tsk := task.New("deploy", hostBody(map[string]error{"h2": h2Err}),
		task.WithHosts(task.Host("h1"), task.Host("h2")))

	results, err := exec.Execute(context.Background(), tsk)

	var group *executor.GroupError
	require.ErrorAs(t, err, &group)
	require.Len(t, group.Results, 2, "aggregate carries the complete collection")

	assert.True(t, group.Results[0].Ok())
	assert.Equal(t, "ran on h1", group.Results[0].Value)
	assert.False(t, group.Results[1].Ok())
	assert.ErrorIs(t, group.Results[1].Err, h2Err)

	// the direct return mirrors the wrapped collection
	require.Len(t, results, 2)
	assert.Equal(t, group.Results, results)
	assert.Len(t, results.Succeeded(), 1)
	assert.Len(t, results.Failed(), 1)
}

func TestExecuteNoShortCircuitOnFailure(t *testing.T) {
	exec, _, _ := newExecutor(t)
	var mu sync.Mutex
	var seen []string
	tsk := task.New("deploy", func(ctx context.Context, c *task.Context) (any, error) {
		mu.Lock()
		seen = append(seen, c.Remote.Host())
		mu.Unlock()
		if c.Remote.Host() == "h1" {
			return nil, errors.New("h1 down")
		}
		return nil, nil
	})

	_, err := exec.Execute(context.Background(), tsk,
		executor.WithHosts(task.Host("h1"), task.Host("h2"), task.Host("h3")))
	var group *executor.GroupError
	require.ErrorAs(t, err, &group)
	assert.Len(t, seen, 3, "every host must be attempted")
}

func TestExecuteMergesConfiguredDefaults(t *testing.T) {
	exec, factory, _ := newExecutor(t, executor.WithDefaults(conn.Params{
		User: "deploy",
		Port: 2200,
	}))
	tsk := task.New("deploy", hostBody(nil))

	results, err := exec.Execute(context.Background(), tsk, executor.WithHosts(
		task.Host("plain-host"),
		task.HostRecord(conn.Params{Host: "custom", User: "root", Port: 22}),
	))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "deploy", factory.remotes[0].params.User)
	assert.Equal(t, 2200, factory.remotes[0].params.Port)
	// explicit record fields win over defaults
	assert.Equal(t, "root", factory.remotes[1].params.User)
	assert.Equal(t, 22, factory.remotes[1].params.Port)

	assert.Equal(t, "deploy", results[0].User)
	assert.Equal(t, 2200, results[0].Port)
}

func TestExecuteFactoryErrorClosesEarlierRemotes(t *testing.T) {
	factory := &fakeFactory{failFor: "bad"}
	exec := executor.New(factory.build, executor.NewPoolEngine(2))
	tsk := task.New("deploy", hostBody(nil))

	results, err := exec.Execute(context.Background(), tsk,
		executor.WithHosts(task.Host("good"), task.Host("bad")))
	require.Error(t, err)
	assert.ErrorContains(t, err, `host "bad"`)
	assert.Nil(t, results)

	require.Len(t, factory.remotes, 1)
	assert.True(t, factory.remotes[0].closed)
}

func TestExecuteCancelledBatchReportsThroughAggregate(t *testing.T) {
	exec, _, _ := newExecutor(t)
	tsk := task.New("deploy", hostBody(nil),
		task.WithHosts(task.Host("h1"), task.Host("h2")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := exec.Execute(ctx, tsk)

	var group *executor.GroupError
	require.ErrorAs(t, err, &group)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestResultsHelpers(t *testing.T) {
	rs := executor.Results{
		{Host: "a"},
		{Host: "b", Err: errors.New("nope")},
		{Host: "c"},
	}
	assert.False(t, rs.Ok())
	assert.Equal(t, 2, len(rs.Succeeded()))
	assert.Equal(t, 1, len(rs.Failed()))
	assert.Equal(t, "b", rs.Failed()[0].Host)

	groupErr := &executor.GroupError{Results: rs}
	assert.Equal(t, "1 of 3 hosts failed", groupErr.Error())
}

// Package executor implements the host-parameterized task fan-out:
// resolving an effective host list, normalizing it into connection
// parameter records, binding one connection context per target and
// collecting per-target outcomes into a single reportable result.
package executor

import (
	"context"
	"fmt"

	"github.com/gofanout/fanout/internal/conn"
	"github.com/gofanout/fanout/internal/lg"
	"github.com/gofanout/fanout/internal/task"
	"github.com/gofanout/fanout/pkg/workerpool"
)

// Outcome is one call's result as reported by the task engine.
type Outcome struct {
	Value any
	Err   error
}

// Engine runs a batch of calls and returns one outcome per call,
// index-aligned with the input. The engine owns the concurrency model;
// the executor only requires that every call in a batch is attempted
// and that outcomes stay correlated to their calls.
type Engine interface {
	Run(ctx context.Context, calls []task.Invoker) []Outcome
}

// poolEngine adapts the generic worker pool to the Engine interface.
type poolEngine struct {
	pool *workerpool.Pool[task.Invoker]
}

// NewPoolEngine returns an Engine running at most maxWorkers calls in
// parallel. maxWorkers of 1 gives serial execution.
func NewPoolEngine(maxWorkers int) Engine {
	return &poolEngine{pool: workerpool.NewPool[task.Invoker](maxWorkers)}
}

func (e *poolEngine) Run(ctx context.Context, calls []task.Invoker) []Outcome {
	outcomes := make([]Outcome, len(calls))
	jobs := make([]workerpool.Job[task.Invoker], len(calls))
	for i := range calls {
		idx := i
		jobs[i] = workerpool.Job[task.Invoker]{
			Payload: calls[i],
			Fn: func(ctx context.Context, inv task.Invoker) error {
				v, err := inv.Invoke(ctx)
				outcomes[idx].Value = v
				return err
			},
		}
	}
	for i, err := range e.pool.Run(ctx, jobs) {
		outcomes[i].Err = err
	}
	return outcomes
}

// Executor turns one task invocation into per-host executions and
// interprets their outcomes. It holds its collaborators explicitly:
// the connection factory, the task engine and the connection defaults
// merged into every normalized record.
type Executor struct {
	factory  conn.Factory
	engine   Engine
	defaults conn.Params
	log      lg.Logger
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithDefaults sets connection parameters merged into every normalized
// record (user, port, auth material, timeouts). Typically sourced from
// the loaded configuration.
func WithDefaults(p conn.Params) Option {
	return func(e *Executor) { e.defaults = p }
}

// WithLogger sets the executor's logger.
func WithLogger(l lg.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// New builds an Executor around a connection factory and a task engine.
func New(factory conn.Factory, engine Engine, opts ...Option) *Executor {
	e := &Executor{factory: factory, engine: engine, log: lg.Discard}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// callSpec collects per-invocation options.
type callSpec struct {
	args     []any
	kwargs   map[string]any
	hosts    []task.HostSpec
	hostsSet bool
}

// CallOption configures a single Execute invocation.
type CallOption func(*callSpec)

// WithArgs sets the call's positional arguments.
func WithArgs(args ...any) CallOption {
	return func(c *callSpec) { c.args = args }
}

// WithKwargs sets the call's keyword arguments.
func WithKwargs(kwargs map[string]any) CallOption {
	return func(c *callSpec) { c.kwargs = kwargs }
}

// WithHosts supplies the caller-side host override, which wins over
// the task's static list. Supplying the option with zero specifiers is
// an explicit empty override: fan-out is requested with no targets,
// which Execute reports as ErrNothingToDo.
func WithHosts(specs ...task.HostSpec) CallOption {
	return func(c *callSpec) {
		c.hosts = append(make([]task.HostSpec, 0, len(specs)), specs...)
		c.hostsSet = true
	}
}

// NormalizeHosts reduces a mixed list of host specifiers to parameter
// records: string specifiers become single-field records, record
// specifiers pass through unchanged. Ordering is preserved exactly and
// duplicates are kept; the input is never mutated. An invalid
// specifier fails immediately with an *InvalidHostError.
func NormalizeHosts(specs []task.HostSpec) ([]conn.Params, error) {
	normalized := make([]conn.Params, 0, len(specs))
	for i, s := range specs {
		switch {
		case s.IsString():
			normalized = append(normalized, conn.Params{Host: s.String()})
		case s.IsRecord():
			normalized = append(normalized, s.Record())
		default:
			return nil, &InvalidHostError{Index: i}
		}
	}
	return normalized, nil
}

// parameterize binds a generic call to one target: the record becomes
// the call's init params and a fresh connection context is built from
// it. Each target gets its own context, even for duplicate hosts, so
// per-host failures stay isolated.
func (e *Executor) parameterize(call *task.Call, p conn.Params) (*task.ConnectionCall, error) {
	remote, err := e.factory(p)
	if err != nil {
		return nil, err
	}
	return &task.ConnectionCall{Call: *call, InitParams: p, Remote: remote}, nil
}

// Execute runs t once per resolved target and collects the outcomes.
//
// Host resolution: a caller-supplied override (WithHosts) wins over
// the task's static list. With neither present, the task is dispatched
// as a single plain call and its error, if any, is returned as-is.
// With hosts resolved but none left after normalization, Execute
// returns ErrNothingToDo. Otherwise every target is attempted — a
// failing host never aborts the rest — and if any failed, the returned
// error is a *GroupError wrapping the complete ordered Results, which
// are also returned directly.
func (e *Executor) Execute(ctx context.Context, t *task.Task, opts ...CallOption) (Results, error) {
	var cs callSpec
	for _, opt := range opts {
		opt(&cs)
	}
	call := &task.Call{Task: t, Args: cs.args, Kwargs: cs.kwargs}

	specs, requested := resolveHosts(t, &cs)
	if !requested {
		e.log.Debug("dispatching plain call", lg.String("task", t.Name))
		outcomes := e.engine.Run(ctx, []task.Invoker{call})
		res := Results{{Value: outcomes[0].Value, Err: outcomes[0].Err}}
		return res, outcomes[0].Err
	}

	params, err := NormalizeHosts(specs)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, ErrNothingToDo
	}

	calls := make([]task.Invoker, len(params))
	bound := make([]*task.ConnectionCall, len(params))
	for i := range params {
		params[i] = params[i].WithDefaults(e.defaults)
		cc, err := e.parameterize(call, params[i])
		if err != nil {
			closeRemotes(bound[:i])
			return nil, fmt.Errorf("host %q: %w", params[i].Host, err)
		}
		bound[i] = cc
		calls[i] = cc
	}

	e.log.Info("dispatching fan-out",
		lg.String("task", t.Name),
		lg.Int("hosts", len(calls)))
	outcomes := e.engine.Run(ctx, calls)

	results := make(Results, len(outcomes))
	for i, out := range outcomes {
		remote := bound[i].Remote
		results[i] = HostResult{
			Params: params[i],
			Host:   remote.Host(),
			User:   remote.User(),
			Port:   remote.Port(),
			Value:  out.Value,
			Err:    out.Err,
		}
	}
	closeRemotes(bound)

	if !results.Ok() {
		return results, &GroupError{Results: results}
	}
	return results, nil
}

// resolveHosts picks the effective host-specifier list. The boolean
// distinguishes "no fan-out requested" from "requested but empty".
func resolveHosts(t *task.Task, cs *callSpec) ([]task.HostSpec, bool) {
	if cs.hostsSet {
		return cs.hosts, true
	}
	if t.Hosts != nil {
		return t.Hosts, true
	}
	return nil, false
}

func closeRemotes(calls []*task.ConnectionCall) {
	for _, cc := range calls {
		if cc != nil && cc.Remote != nil {
			_ = cc.Remote.Close()
		}
	}
}

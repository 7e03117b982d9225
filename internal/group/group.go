// Package group applies one command to a fixed set of connections,
// serially or concurrently, reusing the executor's result and
// aggregate-error types.
package group

import (
	"context"

	"github.com/gofanout/fanout/internal/conn"
	"github.com/gofanout/fanout/internal/executor"
	"github.com/gofanout/fanout/pkg/workerpool"
)

// Group is an ordered collection of connection contexts operated on as
// one unit. Results preserve member order; any member failure turns
// the whole operation into a *executor.GroupError that still carries
// every member's outcome.
type Group struct {
	remotes []conn.Remote
	workers int
}

// NewSerial builds a group that runs members one at a time, in order.
func NewSerial(factory conn.Factory, specs ...conn.Params) (*Group, error) {
	return newGroup(factory, 1, specs)
}

// NewConcurrent builds a group that runs members in parallel, at most
// workers at a time (0 means the pool default).
func NewConcurrent(factory conn.Factory, workers int, specs ...conn.Params) (*Group, error) {
	return newGroup(factory, workers, specs)
}

func newGroup(factory conn.Factory, workers int, specs []conn.Params) (*Group, error) {
	g := &Group{workers: workers}
	for _, p := range specs {
		r, err := factory(p)
		if err != nil {
			g.Close()
			return nil, err
		}
		g.remotes = append(g.remotes, r)
	}
	return g, nil
}

// Remotes returns the member connections, in order.
func (g *Group) Remotes() []conn.Remote { return g.remotes }

// Run executes command on every member. All members are attempted; the
// returned Results match member order.
func (g *Group) Run(ctx context.Context, command string) (executor.Results, error) {
	pool := workerpool.NewPool[int](g.workers)
	results := make(executor.Results, len(g.remotes))

	jobs := make([]workerpool.Job[int], len(g.remotes))
	for i := range g.remotes {
		jobs[i] = workerpool.Job[int]{
			Payload: i,
			Fn: func(ctx context.Context, idx int) error {
				remote := g.remotes[idx]
				res, err := remote.Run(ctx, command)
				results[idx] = executor.HostResult{
					Host:  remote.Host(),
					User:  remote.User(),
					Port:  remote.Port(),
					Value: res,
				}
				return err
			},
		}
	}

	for i, err := range pool.Run(ctx, jobs) {
		results[i].Err = err
	}

	if !results.Ok() {
		return results, &executor.GroupError{Results: results}
	}
	return results, nil
}

// Close closes every member connection.
func (g *Group) Close() {
	for _, r := range g.remotes {
		if r != nil {
			_ = r.Close()
		}
	}
}

package executor

import (
	"errors"
	"fmt"

	"github.com/gofanout/fanout/internal/conn"
)

// ErrNothingToDo signals that fan-out was requested but the effective
// host list was empty after normalization. It is distinct from "no
// hosts requested", which takes the plain single-call path instead.
var ErrNothingToDo = errors.New("fan-out requested but host list is empty")

// InvalidHostError reports a host specifier that is neither a
// connection string nor a parameter record.
type InvalidHostError struct {
	Index int
}

func (e *InvalidHostError) Error() string {
	return fmt.Sprintf("invalid host specification at index %d: not a string or record", e.Index)
}

// HostResult is one target's outcome, tagged with the identity of the
// connection it ran on. For a plain, non-parameterized call the
// identity fields stay zero.
type HostResult struct {
	Params conn.Params
	Host   string
	User   string
	Port   int
	Value  any
	Err    error
}

// Ok reports whether this target's execution succeeded.
func (r HostResult) Ok() bool { return r.Err == nil }

// Results is the ordered collection of per-target outcomes for one
// batch. Ordering always matches the normalized host-list order,
// regardless of completion order.
type Results []HostResult

// Ok reports whether every target succeeded.
func (rs Results) Ok() bool {
	for _, r := range rs {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// Succeeded returns the subset of outcomes without an error, in order.
func (rs Results) Succeeded() Results {
	var out Results
	for _, r := range rs {
		if r.Err == nil {
			out = append(out, r)
		}
	}
	return out
}

// Failed returns the subset of outcomes with an error, in order.
func (rs Results) Failed() Results {
	var out Results
	for _, r := range rs {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// GroupError wraps the complete ordered outcome collection of a batch
// in which at least one target failed. Successes stay inspectable
// through Results; the batch surfaces as this one error object.
type GroupError struct {
	Results Results
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("%d of %d hosts failed", len(e.Results.Failed()), len(e.Results))
}

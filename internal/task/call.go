package task

import (
	"context"
	"fmt"

	"github.com/gofanout/fanout/internal/conn"
)

// Context is what a task body receives when invoked. Remote is nil for
// plain, non-host-parameterized calls.
type Context struct {
	Remote conn.Remote
	Args   []any
	Kwargs map[string]any
}

// Arg returns the i'th positional argument, or nil.
func (c *Context) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// StringKwarg returns a keyword argument coerced to string.
func (c *Context) StringKwarg(key string) string {
	if v, ok := c.Kwargs[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// Body is the user-supplied callable wrapped by a Task.
type Body func(ctx context.Context, c *Context) (any, error)

// Invoker is a deferred invocation the task engine can run. Both Call
// and ConnectionCall satisfy it.
type Invoker interface {
	Invoke(ctx context.Context) (any, error)
}

// Call is a deferred invocation of a task with its arguments, before
// any host binding.
type Call struct {
	Task   *Task
	Args   []any
	Kwargs map[string]any
}

func (c *Call) Invoke(ctx context.Context) (any, error) {
	return c.Task.Body(ctx, &Context{Args: c.Args, Kwargs: c.Kwargs})
}

func (c *Call) String() string {
	return fmt.Sprintf("<call %q>", c.Task.Name)
}

// ConnectionCall is a Call bound to one target: it carries the
// parameter record its context was built from and the Remote the body
// will receive. InitParams is only ever set through host
// parameterization; a vanilla Call has none.
type ConnectionCall struct {
	Call
	InitParams conn.Params
	Remote     conn.Remote
}

func (c *ConnectionCall) Invoke(ctx context.Context) (any, error) {
	return c.Task.Body(ctx, &Context{Remote: c.Remote, Args: c.Args, Kwargs: c.Kwargs})
}

func (c *ConnectionCall) String() string {
	return fmt.Sprintf("<call %q host=%q>", c.Task.Name, c.InitParams.Host)
}

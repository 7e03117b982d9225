package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gofanout/fanout/internal/conn"
)

// HostSpec is a tagged host specifier: either a bare connection string
// or a full parameter record. The zero value is invalid and rejected
// at normalization time.
type HostSpec struct {
	kind   hostKind
	host   string
	params conn.Params
}

type hostKind int

const (
	hostInvalid hostKind = iota
	hostString
	hostRecord
)

// Host declares a target by connection string, e.g. "deploy@web1:2222".
func Host(s string) HostSpec {
	return HostSpec{kind: hostString, host: s}
}

// HostRecord declares a target by full parameter record.
func HostRecord(p conn.Params) HostSpec {
	return HostSpec{kind: hostRecord, params: p}
}

// IsString reports whether the specifier is a bare connection string.
func (h HostSpec) IsString() bool { return h.kind == hostString }

// IsRecord reports whether the specifier is a parameter record.
func (h HostSpec) IsRecord() bool { return h.kind == hostRecord }

// String returns the connection string of a string specifier.
func (h HostSpec) String() string { return h.host }

// Record returns the parameter record of a record specifier.
func (h HostSpec) Record() conn.Params { return h.params }

// Task is a named unit of remote work: generic task metadata plus the
// body callable and an optional static list of target hosts. The host
// list is descriptor metadata only; it never changes the body's
// signature and is read by the fan-out executor at dispatch time.
type Task struct {
	Name    string
	Doc     string
	Aliases []string
	Default bool
	Body    Body

	// Hosts is nil when the task carries no host annotation. A
	// non-nil empty list means hosts were requested but none given,
	// which the executor reports as nothing to do.
	Hosts []HostSpec
}

// Option configures a Task at construction time.
type Option func(*Task)

// WithDoc sets the one-line task description shown in listings.
func WithDoc(doc string) Option {
	return func(t *Task) { t.Doc = doc }
}

// WithAliases adds alternative lookup names.
func WithAliases(aliases ...string) Option {
	return func(t *Task) { t.Aliases = append(t.Aliases, aliases...) }
}

// WithDefault marks the task as the registry's default.
func WithDefault() Option {
	return func(t *Task) { t.Default = true }
}

// WithHosts attaches a static target list. Calling it with no
// arguments still marks the task as host-parameterized (with an empty
// list); omit the option entirely for a plain, non-host-aware task.
func WithHosts(specs ...HostSpec) Option {
	return func(t *Task) { t.setHosts(specs) }
}

// New builds a Task from a body and options.
func New(name string, body Body, opts ...Option) *Task {
	t := &Task{Name: name, Body: body}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetHosts attaches a static target list after construction. It is
// equivalent to the WithHosts option and returns t for chaining.
func (t *Task) SetHosts(specs ...HostSpec) *Task {
	t.setHosts(specs)
	return t
}

// setHosts copies specs so later caller mutations cannot leak in.
func (t *Task) setHosts(specs []HostSpec) {
	t.Hosts = append(make([]HostSpec, 0, len(specs)), specs...)
}

// Registry is the process-wide task collection.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	names []string
	def   string
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Add registers t under its name and aliases. Name collisions are an
// error; the first task registered with WithDefault becomes the
// registry default.
func (r *Registry) Add(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := append([]string{t.Name}, t.Aliases...)
	for _, key := range keys {
		if key == "" {
			return fmt.Errorf("task name must not be empty")
		}
		if _, exists := r.tasks[key]; exists {
			return fmt.Errorf("task %q already registered", key)
		}
	}
	for _, key := range keys {
		r.tasks[key] = t
	}
	r.names = append(r.names, t.Name)
	if t.Default && r.def == "" {
		r.def = t.Name
	}
	return nil
}

// Lookup resolves a name or alias. An empty name resolves to the
// default task, when one exists.
func (r *Registry) Lookup(name string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.def
	}
	t, ok := r.tasks[name]
	return t, ok
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.names...)
	sort.Strings(out)
	return out
}

// fanout runs a task once per target host over SSH and aggregates the
// per-host outcomes.
//
// Usage:
//
//	fanout [flags] <task> [arg ...] [key=value ...]
//
// Hosts come from -H, from a -role defined in the settings file, or
// from the task's own host annotation, in that order of precedence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofanout/fanout/internal/conn"
	"github.com/gofanout/fanout/internal/executor"
	"github.com/gofanout/fanout/internal/lg"
	"github.com/gofanout/fanout/internal/persistence"
	"github.com/gofanout/fanout/internal/report"
	"github.com/gofanout/fanout/internal/task"
	"github.com/gofanout/fanout/pkg/config"
)

const maxRunTime = 30 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("fanout", flag.ExitOnError)
	logCfg := lg.RegisterFlags(fs, "fanout")

	var (
		hostsFlag  = fs.String("H", "", "comma-separated host override (user@host:port shorthand allowed)")
		roleFlag   = fs.String("role", "", "named host list from the settings file")
		workers    = fs.Int("workers", 0, "max parallel hosts (default: settings or pool default)")
		configPath = fs.String("config", "", "path to YAML settings file")
		mongoURI   = fs.String("config-mongo", "", "MongoDB URI holding the settings document (overrides -config)")
		mongoID    = fs.String("config-id", "fanout", "settings document ID for -config-mongo")
		output     = fs.String("output", "", "write the collected results as JSON to this file")
	)
	fs.Parse(os.Args[1:])

	logger := lg.New(logCfg)
	defer logger.Sync()

	settings, err := loadSettings(*configPath, *mongoURI, *mongoID)
	if err != nil {
		logger.Error("failed to load settings", lg.Err(err))
		return 1
	}

	registry := builtinTasks()
	args := fs.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: fanout [flags] <task> [arg ...] [key=value ...]")
		fmt.Fprintln(os.Stderr, "tasks:", strings.Join(registry.Names(), ", "))
		return 2
	}

	t, ok := registry.Lookup(args[0])
	if !ok {
		logger.Error("unknown task", lg.String("task", args[0]))
		return 2
	}

	callOpts, err := buildCallOptions(fs, settings, *hostsFlag, *roleFlag, args[1:])
	if err != nil {
		logger.Error("bad invocation", lg.Err(err))
		return 2
	}

	maxWorkers := settings.Engine.MaxWorkers
	if *workers > 0 {
		maxWorkers = *workers
	}
	exec := executor.New(
		conn.NewRemote,
		executor.NewPoolEngine(maxWorkers),
		executor.WithDefaults(settings.Defaults),
		executor.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(lg.Attach(ctx, logger), maxRunTime)
	defer cancel()

	results, err := exec.Execute(ctx, t, callOpts...)
	printResults(results)

	if *output != "" && results != nil {
		if werr := persistence.WriteJSON(artifact(t.Name, results), *output); werr != nil {
			logger.Error("failed to write results artifact", lg.Err(werr))
		}
	}
	if len(settings.Report.Brokers) > 0 && settings.Report.Topic != "" && results != nil {
		publisher := report.NewPublisher(settings.Report.Brokers, settings.Report.Topic, logger)
		if perr := publisher.Publish(ctx, t.Name, results); perr != nil {
			logger.Error("failed to publish run report", lg.Err(perr))
		}
		_ = publisher.Close()
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, executor.ErrNothingToDo):
		fmt.Fprintln(os.Stderr, "fanout: nothing to do (empty host list)")
		return 1
	default:
		fmt.Fprintf(os.Stderr, "fanout: %v\n", err)
		return 1
	}
}

func loadSettings(path, mongoURI, mongoID string) (*config.Settings, error) {
	switch {
	case mongoURI != "":
		store, err := config.NewStore(config.MongoStore, &config.MongoConfig{
			URI:      mongoURI,
			DBName:   "fanout",
			CollName: "settings",
			ID:       mongoID,
		})
		if err != nil {
			return nil, err
		}
		return config.Load(store)
	case path != "":
		store, err := config.NewStore(config.FileStore, &config.FileConfig{Path: path})
		if err != nil {
			return nil, err
		}
		return config.Load(store)
	default:
		return &config.Settings{}, nil
	}
}

// buildCallOptions turns CLI state into executor call options. A -H
// flag that was supplied, even empty, is an explicit override: it wins
// over -role and over the task's own host list.
func buildCallOptions(fs *flag.FlagSet, settings *config.Settings, hostsFlag, roleFlag string, rest []string) ([]executor.CallOption, error) {
	posArgs, kwargs := parseTaskArgs(rest)
	opts := []executor.CallOption{executor.WithArgs(posArgs...)}
	if len(kwargs) > 0 {
		opts = append(opts, executor.WithKwargs(kwargs))
	}

	hostsSupplied := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "H" {
			hostsSupplied = true
		}
	})

	switch {
	case hostsSupplied:
		opts = append(opts, executor.WithHosts(splitHosts(hostsFlag)...))
	case roleFlag != "":
		hosts, ok := settings.Role(roleFlag)
		if !ok {
			return nil, fmt.Errorf("unknown role %q", roleFlag)
		}
		specs := make([]task.HostSpec, 0, len(hosts))
		for _, h := range hosts {
			specs = append(specs, task.Host(h))
		}
		opts = append(opts, executor.WithHosts(specs...))
	}
	return opts, nil
}

func splitHosts(s string) []task.HostSpec {
	var specs []task.HostSpec
	for _, h := range strings.Split(s, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			specs = append(specs, task.Host(h))
		}
	}
	return specs
}

// parseTaskArgs splits trailing CLI words into positional arguments
// and key=value keyword arguments.
func parseTaskArgs(words []string) ([]any, map[string]any) {
	var pos []any
	kwargs := map[string]any{}
	for _, w := range words {
		if key, value, ok := strings.Cut(w, "="); ok && key != "" {
			kwargs[key] = value
			continue
		}
		pos = append(pos, w)
	}
	return pos, kwargs
}

func printResults(results executor.Results) {
	for _, r := range results {
		label := r.Host
		if label == "" {
			label = "local"
		}
		if r.Err != nil {
			fmt.Printf("[%s] FAILED: %v\n", label, r.Err)
			continue
		}
		switch v := r.Value.(type) {
		case *conn.RunResult:
			fmt.Printf("[%s] exit %d\n", label, v.ExitStatus)
			if out := strings.TrimRight(v.Stdout, "\n"); out != "" {
				fmt.Println(indent(out))
			}
			if errOut := strings.TrimRight(v.Stderr, "\n"); errOut != "" {
				fmt.Println(indent(errOut))
			}
		case nil:
			fmt.Printf("[%s] ok\n", label)
		default:
			fmt.Printf("[%s] ok: %v\n", label, v)
		}
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

// artifact is the JSON shape written by -output.
func artifact(taskName string, results executor.Results) any {
	type entry struct {
		Host  string `json:"host,omitempty"`
		User  string `json:"user,omitempty"`
		Port  int    `json:"port,omitempty"`
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
		Value any    `json:"value,omitempty"`
	}
	entries := make([]entry, 0, len(results))
	for _, r := range results {
		e := entry{Host: r.Host, User: r.User, Port: r.Port, OK: r.Ok(), Value: r.Value}
		if r.Err != nil {
			e.Error = r.Err.Error()
		}
		entries = append(entries, e)
	}
	return map[string]any{
		"task":    taskName,
		"results": entries,
	}
}

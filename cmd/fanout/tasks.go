package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofanout/fanout/internal/conn"
	"github.com/gofanout/fanout/internal/task"
	"github.com/gofanout/fanout/internal/transfer"
)

// builtinTasks registers the tasks the binary ships with. They go
// through the same descriptor surface user task files would use.
func builtinTasks() *task.Registry {
	registry := task.NewRegistry()

	for _, t := range []*task.Task{
		task.New("run", runTask,
			task.WithDoc("execute a shell command on every host"),
			task.WithDefault()),
		task.New("put", putTask,
			task.WithDoc("upload a local file: put <local> [remote]"),
			task.WithAliases("upload")),
		task.New("get", getTask,
			task.WithDoc("download a remote file: get <remote> [local]"),
			task.WithAliases("download")),
		task.New("facts", factsTask,
			task.WithDoc("collect a kernel/OS snapshot from every host")),
	} {
		if err := registry.Add(t); err != nil {
			panic(err)
		}
	}
	return registry
}

func remoteOrErr(c *task.Context) (conn.Remote, error) {
	if c.Remote == nil {
		return nil, fmt.Errorf("this task targets remote hosts; supply -H, -role or a host-annotated task")
	}
	return c.Remote, nil
}

// connectionOrErr narrows the bound context to a full SSH connection,
// which the transfer tasks need for their SFTP session.
func connectionOrErr(c *task.Context) (*conn.Connection, error) {
	remote, err := remoteOrErr(c)
	if err != nil {
		return nil, err
	}
	cc, ok := remote.(*conn.Connection)
	if !ok {
		return nil, fmt.Errorf("transfer requires an SSH connection context")
	}
	return cc, nil
}

func runTask(ctx context.Context, c *task.Context) (any, error) {
	remote, err := remoteOrErr(c)
	if err != nil {
		return nil, err
	}
	command := c.StringKwarg("command")
	if command == "" && len(c.Args) > 0 {
		parts := make([]string, 0, len(c.Args))
		for _, a := range c.Args {
			parts = append(parts, fmt.Sprint(a))
		}
		command = strings.Join(parts, " ")
	}
	if command == "" {
		return nil, fmt.Errorf("run: no command given")
	}
	return remote.Run(ctx, command)
}

func putTask(ctx context.Context, c *task.Context) (any, error) {
	connection, err := connectionOrErr(c)
	if err != nil {
		return nil, err
	}
	local := fmt.Sprint(c.Arg(0))
	if c.Arg(0) == nil || local == "" {
		return nil, fmt.Errorf("put: missing local path")
	}
	remotePath := ""
	if c.Arg(1) != nil {
		remotePath = fmt.Sprint(c.Arg(1))
	}
	return transfer.New(connection).Put(ctx, local, remotePath, true)
}

func getTask(ctx context.Context, c *task.Context) (any, error) {
	connection, err := connectionOrErr(c)
	if err != nil {
		return nil, err
	}
	remotePath := fmt.Sprint(c.Arg(0))
	if c.Arg(0) == nil || remotePath == "" {
		return nil, fmt.Errorf("get: missing remote path")
	}
	// Default to per-host directories so a multi-host get never
	// clobbers one host's file with another's.
	local := "{host}/"
	if c.Arg(1) != nil {
		local = fmt.Sprint(c.Arg(1))
	}
	return transfer.New(connection).Get(ctx, remotePath, local, true)
}

func factsTask(ctx context.Context, c *task.Context) (any, error) {
	remote, err := remoteOrErr(c)
	if err != nil {
		return nil, err
	}
	res, err := remote.Run(ctx, "uname -srmo && uptime")
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(res.Stdout), nil
}

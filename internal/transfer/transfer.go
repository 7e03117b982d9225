// Package transfer wraps a connection's SFTP surface with the local
// conveniences the CLI tasks need: path templating, directory creation
// and mode preservation.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/sftp"

	"github.com/gofanout/fanout/internal/conn"
)

// FS is the slice of the SFTP client the transfer layer uses. The
// concrete implementation is *sftp.Client; tests substitute fakes.
type FS interface {
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Stat(path string) (os.FileInfo, error)
	Chmod(path string, mode os.FileMode) error
	Getwd() (string, error)
}

// sftpFS adapts *sftp.Client to FS.
type sftpFS struct{ c *sftp.Client }

func (s sftpFS) Open(p string) (io.ReadCloser, error)    { return s.c.Open(p) }
func (s sftpFS) Create(p string) (io.WriteCloser, error) { return s.c.Create(p) }
func (s sftpFS) Stat(p string) (os.FileInfo, error)      { return s.c.Stat(p) }
func (s sftpFS) Chmod(p string, m os.FileMode) error     { return s.c.Chmod(p, m) }
func (s sftpFS) Getwd() (string, error)                  { return s.c.Getwd() }

// Result describes one completed transfer.
type Result struct {
	Local  string
	Remote string
	Host   string
}

// Transfer manages uploads and downloads over one connection.
type Transfer struct {
	remote conn.Remote
	open   func(ctx context.Context) (FS, error)
	fs     FS
}

// New wraps an SSH connection; the SFTP session is opened on first use.
func New(c *conn.Connection) *Transfer {
	return &Transfer{
		remote: c,
		open: func(ctx context.Context) (FS, error) {
			client, err := c.SFTP(ctx)
			if err != nil {
				return nil, err
			}
			return sftpFS{c: client}, nil
		},
	}
}

// NewWithFS wraps an already-open remote filesystem. Used by tests and
// by callers that manage the SFTP session themselves.
func NewWithFS(r conn.Remote, fs FS) *Transfer {
	return &Transfer{remote: r, fs: fs}
}

func (t *Transfer) ensureFS(ctx context.Context) (FS, error) {
	if t.fs != nil {
		return t.fs, nil
	}
	fs, err := t.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	t.fs = fs
	return fs, nil
}

// Get downloads remotePath into local. An empty local means the
// current working directory. Within local, {host}, {user}, {port},
// {basename} and {dirname} are interpolated from the connection and
// the remote path; missing local directories are created. With
// preserveMode set, the local file's mode is copied from the remote.
func (t *Transfer) Get(ctx context.Context, remotePath, local string, preserveMode bool) (*Result, error) {
	fs, err := t.ensureFS(ctx)
	if err != nil {
		return nil, err
	}

	full, err := t.remoteAbs(fs, remotePath)
	if err != nil {
		return nil, err
	}
	basename := path.Base(full)
	dirname := path.Dir(full)

	if local == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		local = cwd
	}
	local = t.interpolate(local, basename, dirname)

	if info, err := os.Stat(local); err == nil && info.IsDir() {
		local = filepath.Join(local, basename)
	} else if strings.HasSuffix(local, string(os.PathSeparator)) || strings.HasSuffix(local, "/") {
		local = filepath.Join(local, basename)
	}

	if dir := filepath.Dir(local); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create local directory %s: %w", dir, err)
		}
	}

	src, err := fs.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open remote %s: %w", full, err)
	}
	defer src.Close()

	dst, err := os.Create(local)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return nil, fmt.Errorf("download %s: %w", full, err)
	}
	if err := dst.Close(); err != nil {
		return nil, err
	}

	if preserveMode {
		info, err := fs.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("stat remote %s: %w", full, err)
		}
		if err := os.Chmod(local, info.Mode().Perm()); err != nil {
			return nil, err
		}
	}

	return &Result{Local: local, Remote: full, Host: t.remote.Host()}, nil
}

// Put uploads the local file to remotePath. An empty remotePath means
// the remote working directory under the local basename. With
// preserveMode set, the remote file's mode is copied from the local.
func (t *Transfer) Put(ctx context.Context, local, remotePath string, preserveMode bool) (*Result, error) {
	fs, err := t.ensureFS(ctx)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(local)
	if err != nil {
		return nil, fmt.Errorf("local file %s: %w", local, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("local path %s is a directory", local)
	}

	if remotePath == "" {
		remotePath = filepath.Base(local)
	}
	full, err := t.remoteAbs(fs, remotePath)
	if err != nil {
		return nil, err
	}

	src, err := os.Open(local)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dst, err := fs.Create(full)
	if err != nil {
		return nil, fmt.Errorf("create remote %s: %w", full, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return nil, fmt.Errorf("upload %s: %w", local, err)
	}
	if err := dst.Close(); err != nil {
		return nil, err
	}

	if preserveMode {
		if err := fs.Chmod(full, info.Mode().Perm()); err != nil {
			return nil, fmt.Errorf("chmod remote %s: %w", full, err)
		}
	}

	return &Result{Local: local, Remote: full, Host: t.remote.Host()}, nil
}

// remoteAbs anchors a relative remote path at the session's working
// directory, which most SFTP servers set to the user's home.
func (t *Transfer) remoteAbs(fs FS, p string) (string, error) {
	if path.IsAbs(p) {
		return path.Clean(p), nil
	}
	cwd, err := fs.Getwd()
	if err != nil {
		return "", fmt.Errorf("remote getwd: %w", err)
	}
	return path.Join(cwd, p), nil
}

func (t *Transfer) interpolate(local, basename, dirname string) string {
	return strings.NewReplacer(
		"{host}", t.remote.Host(),
		"{user}", t.remote.User(),
		"{port}", strconv.Itoa(t.remote.Port()),
		"{basename}", basename,
		"{dirname}", dirname,
	).Replace(local)
}

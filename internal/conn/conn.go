package conn

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
)

// Remote is the execution surface a task body sees for one target.
// A Remote is exclusively owned by a single call; it is never shared
// between parallel executions, even when two targets are identical.
type Remote interface {
	Host() string
	User() string
	Port() int
	Run(ctx context.Context, command string) (*RunResult, error)
	Close() error
}

// Factory builds a Remote from a normalized parameter record. The
// fan-out executor receives one at construction so tests can swap in
// doubles without a live transport.
type Factory func(p Params) (Remote, error)

// NewRemote is the default Factory, returning a lazy SSH-backed
// Connection.
func NewRemote(p Params) (Remote, error) { return New(p) }

// RunResult carries one command's outcome, tagged with the identity of
// the connection it ran on.
type RunResult struct {
	Command    string
	Stdout     string
	Stderr     string
	ExitStatus int
	Host       string
	User       string
	Port       int
	Duration   time.Duration
}

// OK reports whether the command exited zero.
func (r *RunResult) OK() bool { return r.ExitStatus == 0 }

// ExitError is returned by Run when the remote command completed but
// exited non-zero. The full RunResult stays inspectable.
type ExitError struct {
	Result *RunResult
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command %q exited %d on %s", e.Result.Command, e.Result.ExitStatus, e.Result.Host)
}

// Connection is an SSH connection context for one target. Construction
// is cheap: the transport is dialed on first use, with exponential
// backoff behind a circuit breaker.
type Connection struct {
	params Params

	host string
	user string
	port int

	clientConfig *ssh.ClientConfig

	mu      sync.Mutex
	client  *ssh.Client
	breaker *gobreaker.CircuitBreaker
	backOff func() backoff.BackOff
}

var _ Remote = (*Connection)(nil)

// New builds a Connection from p without dialing. Shorthand host
// strings are resolved here; conflicts between shorthand and explicit
// fields surface immediately.
func New(p Params) (*Connection, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection params: %w", err)
	}
	usr, host, port, err := p.resolve()
	if err != nil {
		return nil, err
	}
	if usr == "" {
		usr = localUser()
	}

	auth, err := authMethods(p)
	if err != nil {
		return nil, err
	}

	timeout := p.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	cbs := gobreaker.Settings{
		Name:        "ssh-" + host,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}

	return &Connection{
		params: p,
		host:   host,
		user:   usr,
		port:   port,
		clientConfig: &ssh.ClientConfig{
			User:            usr,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
			BannerCallback:  func(message string) error { return nil }, //ignore banner
		},
		breaker: gobreaker.NewCircuitBreaker(cbs),
		backOff: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     500 * time.Millisecond,
				MaxInterval:         5 * time.Second,
				MaxElapsedTime:      30 * time.Second,
				Multiplier:          1.5,
				RandomizationFactor: 0.5,
				Stop:                backoff.Stop,
				Clock:               backoff.SystemClock,
			}
		},
	}, nil
}

func (c *Connection) Host() string { return c.host }
func (c *Connection) User() string { return c.user }
func (c *Connection) Port() int    { return c.port }

// Params returns the record the connection was built from.
func (c *Connection) Params() Params { return c.params }

// Run executes command on the target, capturing stdout and stderr.
// A non-zero exit returns the RunResult together with an *ExitError.
func (c *Connection) Run(ctx context.Context, command string) (*RunResult, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf

	start := time.Now()
	if err := sess.Start(command); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &RunResult{
		Command:  command,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Host:     c.host,
		User:     c.user,
		Port:     c.port,
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitStatus = exitErr.ExitStatus()
			return res, &ExitError{Result: res}
		}
		return res, fmt.Errorf("wait for command: %w", err)
	}
	return res, nil
}

// SFTP opens an SFTP client over the connection, dialing if needed.
func (c *Connection) SFTP(ctx context.Context) (*sftp.Client, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	return sftp.NewClient(client)
}

// Close tears down the transport, if it was ever dialed.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// ensureClient dials the target on first use. Dial attempts retry with
// exponential backoff and run through the circuit breaker so a dead
// host fails fast once the breaker opens.
func (c *Connection) ensureClient(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	operation := func() error {
		res, err := c.breaker.Execute(func() (any, error) {
			return ssh.Dial("tcp", addr, c.clientConfig)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		c.client = res.(*ssh.Client)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backOff(), ctx)); err != nil {
		return nil, err
	}
	return c.client, nil
}

func authMethods(p Params) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if p.IdentityFile != "" {
		key, err := os.ReadFile(p.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if p.Password != "" {
		auth = append(auth, ssh.Password(p.Password))
	}
	return auth, nil
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

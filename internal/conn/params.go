package conn

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultPort is used when neither the params nor the host shorthand
// carry an explicit port.
const DefaultPort = 22

var validate = validator.New()

// Params is the normalized connection parameter record for one remote
// target. It is the homogeneous form every host specifier is reduced to
// before a connection context is built. Host may be a plain hostname or
// a "user@host:port" shorthand; shorthand parts must not conflict with
// the explicit User/Port fields.
type Params struct {
	Host           string        `yaml:"host" json:"host" validate:"required"`
	User           string        `yaml:"user,omitempty" json:"user,omitempty"`
	Port           int           `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Password       string        `yaml:"password,omitempty" json:"-"`
	IdentityFile   string        `yaml:"identity_file,omitempty" json:"identity_file,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
}

// Validate checks the record's field constraints.
func (p Params) Validate() error {
	return validate.Struct(p)
}

// WithDefaults returns a copy of p with zero-valued fields filled in
// from d. Host is never overridden.
func (p Params) WithDefaults(d Params) Params {
	if p.User == "" {
		p.User = d.User
	}
	if p.Port == 0 {
		p.Port = d.Port
	}
	if p.Password == "" {
		p.Password = d.Password
	}
	if p.IdentityFile == "" {
		p.IdentityFile = d.IdentityFile
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = d.ConnectTimeout
	}
	return p
}

// resolve merges the Host shorthand with the explicit fields and
// returns the effective user, host and port. Conflicting values
// between shorthand and explicit fields are a usage error.
func (p Params) resolve() (user, host string, port int, err error) {
	user, host, port, err = splitSpec(p.Host)
	if err != nil {
		return "", "", 0, err
	}

	if user != "" && p.User != "" && user != p.User {
		return "", "", 0, fmt.Errorf("user given both via shorthand (%q) and field (%q)", user, p.User)
	}
	if user == "" {
		user = p.User
	}

	if port != 0 && p.Port != 0 && port != p.Port {
		return "", "", 0, fmt.Errorf("port given both via shorthand (%d) and field (%d)", port, p.Port)
	}
	if port == 0 {
		port = p.Port
	}
	if port == 0 {
		port = DefaultPort
	}
	return user, host, port, nil
}

// splitSpec splits a "user@host:port" shorthand. Every part except the
// host is optional. Raw IPv6 addresses (more than one colon, no
// brackets) are treated as a bare host; bracketed forms like
// "[::1]:2222" carry a port.
func splitSpec(spec string) (user, host string, port int, err error) {
	host = spec
	if i := strings.Index(host, "@"); i >= 0 {
		user = host[:i]
		host = host[i+1:]
	}

	switch {
	case strings.HasPrefix(host, "["):
		end := strings.Index(host, "]")
		if end < 0 {
			return "", "", 0, fmt.Errorf("invalid host %q: unterminated bracket", spec)
		}
		rest := host[end+1:]
		host = host[1:end]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", "", 0, fmt.Errorf("invalid host %q: expected ':' after bracket", spec)
			}
			if port, err = parsePort(spec, rest[1:]); err != nil {
				return "", "", 0, err
			}
		}
	case strings.Count(host, ":") == 1:
		i := strings.Index(host, ":")
		if port, err = parsePort(spec, host[i+1:]); err != nil {
			return "", "", 0, err
		}
		host = host[:i]
	}

	if host == "" {
		return "", "", 0, fmt.Errorf("invalid host specification %q: empty host", spec)
	}
	return user, host, port, nil
}

func parsePort(spec, s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port in host specification %q", spec)
	}
	return port, nil
}

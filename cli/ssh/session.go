package ssh

// Package ssh runs commands on the database host. A Session keeps one SSH
// connection open, reconnects when it goes stale and turns transport
// failures into outcomes the sweep can act on.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/perfgo/sweepgo/metrics"
	"github.com/rs/zerolog"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultPort             = 22
	defaultUser             = "root"
	defaultTimeout          = 60 * time.Second
	defaultFailureThreshold = 2
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Session manages the connection to one remote host. Each command gets its
// own SSH session on the shared connection.
type Session struct {
	logger         zerolog.Logger
	host           string
	port           int
	user           string
	identityFile   string
	knownHostsFile string
	timeout        time.Duration
	threshold      int
	metrics        *metrics.Collector
	dial           dialFunc

	mu       sync.Mutex
	client   *gossh.Client
	failures int
	critical bool
	fatal    bool
}

// SSHOption is a function that configures a Session.
type SSHOption func(*Session)

// WithIdentityFile sets the identity file (private key) to use for authentication.
func WithIdentityFile(path string) SSHOption {
	return func(s *Session) {
		s.identityFile = path
	}
}

// WithKnownHostsFile sets the known hosts file to use for host verification.
// Without one the host key is not checked.
func WithKnownHostsFile(path string) SSHOption {
	return func(s *Session) {
		s.knownHostsFile = path
	}
}

func WithUser(user string) SSHOption {
	return func(s *Session) {
		s.user = user
	}
}

func WithPort(port int) SSHOption {
	return func(s *Session) {
		s.port = port
	}
}

// WithTimeout bounds connecting and opening a command channel.
func WithTimeout(d time.Duration) SSHOption {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithFailureThreshold sets how many consecutive transport failures before
// the workload started make the host count as unreachable.
func WithFailureThreshold(n int) SSHOption {
	return func(s *Session) {
		s.threshold = n
	}
}

func WithMetrics(m *metrics.Collector) SSHOption {
	return func(s *Session) {
		s.metrics = m
	}
}

// New creates a Session. Nothing is dialed until the first command.
func New(logger zerolog.Logger, host string, opts ...SSHOption) *Session {
	s := &Session{
		logger:    logger.With().Str("component", "ssh").Str("host", host).Logger(),
		host:      host,
		port:      defaultPort,
		user:      defaultUser,
		timeout:   defaultTimeout,
		threshold: defaultFailureThreshold,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.dial == nil {
		d := &net.Dialer{Timeout: s.timeout}
		s.dial = d.DialContext
	}
	return s
}

// Host returns the remote host of this session.
func (s *Session) Host() string {
	return s.host
}

// MarkCriticalStarted records that the workload is running. From now on
// transport failures are never fatal.
func (s *Session) MarkCriticalStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.critical = true
}

// Failures returns the current number of consecutive transport failures.
func (s *Session) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Healthy reports whether the last remote command reached the host.
func (s *Session) Healthy() bool {
	return s.Failures() == 0
}

// Execute runs cmd on the remote host and waits for its exit status.
// Output lines are logged at debug level unless quiet is set.
func (s *Session) Execute(ctx context.Context, cmd string, quiet bool) Outcome {
	if !quiet {
		s.logger.Info().Msgf("[db] %s", cmd)
	}

	client, err := s.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Status: StatusRecoverable, ExitStatus: -1, Err: ctx.Err()}
		}
		return s.fail(err)
	}

	var sess *gossh.Session
	err = s.await(ctx, "opening session", func() error {
		var err error
		sess, err = client.NewSession()
		return err
	})
	if err != nil {
		s.drop(client)
		if ctx.Err() != nil {
			return Outcome{Status: StatusRecoverable, ExitStatus: -1, Err: ctx.Err()}
		}
		return s.fail(fmt.Errorf("failed to open session: %w", err))
	}
	defer sess.Close()

	out := &lineWriter{logger: s.logger, quiet: quiet}
	sess.Stdout = out
	sess.Stderr = out

	s.metrics.RemoteExecuted()

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(gossh.SIGTERM)
		_ = sess.Close()
		return Outcome{Status: StatusRecoverable, ExitStatus: -1, Output: out.String(), Err: ctx.Err()}
	}
	out.flush()

	exitStatus := 0
	var exitErr *gossh.ExitError
	var missing *gossh.ExitMissingError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		exitStatus = exitErr.ExitStatus()
	case errors.As(err, &missing):
		s.drop(client)
		return s.fail(fmt.Errorf("remote command ended without exit status: %w", err))
	default:
		s.drop(client)
		return s.fail(fmt.Errorf("failed to run remote command: %w", err))
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	return Outcome{Status: StatusOK, ExitStatus: exitStatus, Output: out.String()}
}

// Close closes the connection. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
		s.logger.Debug().Msg("SSH connection closed")
	}
}

// connect returns a live client, dialing a new one if there is none or the
// old one stopped answering keepalives.
func (s *Session) connect(ctx context.Context) (*gossh.Client, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client != nil {
		err := s.await(ctx, "keepalive", func() error {
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			return err
		})
		if err == nil {
			return client, nil
		}
		s.drop(client)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Debug().Err(err).Msg("SSH connection is stale, reconnecting")
	}

	cfg, err := s.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if s.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}
	c, chans, reqs, err := gossh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to establish SSH connection to %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client = gossh.NewClient(c, chans, reqs)
	s.logger.Debug().Str("addr", addr).Str("user", s.user).Msg("SSH connection established")

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return client, nil
}

// await runs fn until it returns, ctx ends or the session timeout passes.
// An abandoned fn keeps running; dropping its client unblocks it.
func (s *Session) await(ctx context.Context, what string, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	var expired <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return fmt.Errorf("%s timed out after %s", what, s.timeout)
	}
}

func (s *Session) clientConfig() (*gossh.ClientConfig, error) {
	path := expandHome(s.identityFile)
	if path == "" {
		return nil, errors.New("no identity file configured")
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	signer, err := gossh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
	}

	hostKey := gossh.InsecureIgnoreHostKey()
	if s.knownHostsFile != "" {
		hostKey, err = knownhosts.New(expandHome(s.knownHostsFile))
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	return &gossh.ClientConfig{
		User:            s.user,
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         s.timeout,
	}, nil
}

func (s *Session) drop(client *gossh.Client) {
	_ = client.Close()
	s.mu.Lock()
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()
}

// fail records a transport failure. The host becomes fatal once, when the
// threshold is reached before the workload started.
func (s *Session) fail(err error) Outcome {
	s.metrics.RemoteFailed()

	s.mu.Lock()
	s.failures++
	failures := s.failures
	fatal := failures >= s.threshold && !s.critical && !s.fatal
	if fatal {
		s.fatal = true
	}
	s.mu.Unlock()

	if fatal {
		s.logger.Error().Err(err).Int("failures", failures).Msg("Database host unreachable")
		return Outcome{Status: StatusFatal, ExitStatus: -1, Err: fmt.Errorf("%w: %w", ErrUnreachable, err)}
	}

	s.logger.Warn().Err(err).Int("failures", failures).Msg("Remote command failed")
	return Outcome{Status: StatusRecoverable, ExitStatus: -1, Err: err}
}

// lineWriter collects remote output and echoes complete lines to the log.
type lineWriter struct {
	logger zerolog.Logger
	quiet  bool

	mu      sync.Mutex
	buf     bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	clean := bytes.ReplaceAll(p, []byte("\r"), nil)
	w.buf.Write(clean)
	if w.quiet {
		return len(p), nil
	}

	w.partial = append(w.partial, clean...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.logger.Debug().Msgf("[db] %s", w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 && !w.quiet {
		w.logger.Debug().Msgf("[db] %s", w.partial)
	}
	w.partial = nil
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Package ssh implements the remote executor over golang.org/x/crypto/ssh.
// One Session is opened per run and reused by every stage.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/artpar/stagehand/internal/core/remote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Target identifies the remote host and the credentials used to reach it.
type Target struct {
	Host    string
	Port    int
	User    string
	KeyPath string
}

// Address returns host:port.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.User + "@" + t.Address()
}

// Options configures session establishment.
type Options struct {
	ConnectTimeout time.Duration // Default: 10 seconds
	KnownHostsPath string        // Host keys are verified when this file exists
	Logger         *slog.Logger
}

// Session is a live, authenticated channel to one host.
type Session struct {
	target Target
	client *ssh.Client
	logger *slog.Logger
	mu     sync.Mutex // Protects client
}

var _ remote.Transport = (*Session)(nil)

// Dial establishes the SSH session. Only this step is bounded by a timeout.
func Dial(ctx context.Context, target Target, opts Options) (*Session, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if target.Port == 0 {
		target.Port = 22
	}
	logger := opts.Logger.With("component", "ssh", "target", target.String())

	key, err := os.ReadFile(target.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read key %s: %v", remote.ErrAuthentication, target.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key %s: %v", remote.ErrAuthentication, target.KeyPath, err)
	}

	hostKeyCallback, err := hostKeyCallback(opts.KnownHostsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrConnection, err)
	}

	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", remote.ErrConnection, target.Address(), err)
	}

	// The handshake shares the connect deadline.
	_ = conn.SetDeadline(time.Now().Add(opts.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, target.Address(), config)
	if err != nil {
		conn.Close()
		return nil, classifyHandshakeError(target, err)
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Info("ssh session established")
	return &Session{
		target: target,
		client: ssh.NewClient(c, chans, reqs),
		logger: logger,
	}, nil
}

func hostKeyCallback(path string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	expanded, err := domain.ExpandHome(path)
	if err != nil || expanded == "" {
		logger.Warn("host key verification disabled", "reason", "no known_hosts path")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if _, statErr := os.Stat(expanded); statErr != nil {
		logger.Warn("host key verification disabled", "known_hosts", expanded, "reason", "file not found")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(expanded)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", expanded, err)
	}
	return func(hostname string, addr net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, addr, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			// Unknown host: accept, as on first contact.
			logger.Warn("host key not in known_hosts, accepting", "host", hostname)
			return nil
		}
		return err
	}, nil
}

func classifyHandshakeError(target Target, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return fmt.Errorf("%w: %s: %v", remote.ErrAuthentication, target, err)
	}
	return fmt.Errorf("%w: handshake %s: %v", remote.ErrConnection, target, err)
}

// Target returns the session target.
func (s *Session) Target() Target {
	return s.target
}

// Close closes the SSH connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		s.logger.Info("ssh session closed")
		return err
	}
	return nil
}

func (s *Session) newSession() (*ssh.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("%w: session closed", remote.ErrConnection)
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", remote.ErrConnection, err)
	}
	return sess, nil
}

// =============================================================================
// Batch Execution
// =============================================================================

// Run renders the batch into one bash script and executes it under a single
// remote shell. Output is mirrored to the logger line by line.
func (s *Session) Run(ctx context.Context, b remote.Batch) (remote.CommandResult, error) {
	sess, err := s.newSession()
	if err != nil {
		return remote.CommandResult{FailedStatement: -1}, err
	}
	defer sess.Close()

	logger := s.logger.With("batch", b.Name)
	logger.Debug("running batch", "statements", b.Len())

	var stdout, stderr bytes.Buffer
	outLog := newLineLogger(logger, "stdout")
	errLog := newLineLogger(logger, "stderr")
	sess.Stdin = strings.NewReader(b.Render())
	sess.Stdout = io.MultiWriter(&stdout, outLog)
	sess.Stderr = io.MultiWriter(&stderr, errLog)

	code, err := s.wait(ctx, sess, "bash -s")
	outLog.Flush()
	errLog.Flush()
	if err != nil {
		return remote.CommandResult{FailedStatement: -1}, err
	}

	res := remote.NewCommandResult(code, stdout.String(), stderr.String())
	if !res.Succeeded() {
		cErr := remote.NewCommandError(b, res)
		logger.Error("batch failed",
			"exit_code", res.ExitCode,
			"statement", cErr.Statement,
			"output", res.Output(),
		)
		return res, cErr
	}
	return res, nil
}

// Upload streams a tar archive into dir, creating it if needed.
func (s *Session) Upload(ctx context.Context, dir string, archive io.Reader) error {
	sess, err := s.newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	var stderr bytes.Buffer
	sess.Stdin = archive
	sess.Stderr = &stderr

	cmd := fmt.Sprintf("mkdir -p %s && tar -x -p -f - -C %s", remote.Quote(dir), remote.Quote(dir))
	code, err := s.wait(ctx, sess, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		res := remote.NewCommandResult(code, "", stderr.String())
		return remote.NewCommandError(remote.NewBatch("upload", remote.Sh(cmd)), res)
	}
	return nil
}

// wait runs cmd and returns its exit status, honouring ctx cancellation.
func (s *Session) wait(ctx context.Context, sess *ssh.Session, cmd string) (int, error) {
	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		// Run returns once its output copiers have stopped writing.
		<-done
		return 0, ctx.Err()
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return 0, fmt.Errorf("%w: %v", remote.ErrConnection, err)
	}
}

package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mattjoyce/edgecmd/internal/log"
)

const (
	defaultSSHPort        = "22"
	defaultSSHDialTimeout = 10 * time.Second
	maxPromptLine         = 512
)

var sudoPrompt = []byte("[sudo] password for ")

// SSHTarget identifies the remote host and credentials for one command.
type SSHTarget struct {
	Host     string
	User     string
	Password string
}

func (t SSHTarget) validate() error {
	switch {
	case t.Host == "":
		return errors.New("sshHost not found in request")
	case t.User == "":
		return errors.New("sshUser not found in request")
	case t.Password == "":
		return errors.New("sshPassword not found in request")
	}
	return nil
}

func (t SSHTarget) addr() string {
	if _, _, err := net.SplitHostPort(t.Host); err == nil {
		return t.Host
	}
	return net.JoinHostPort(t.Host, defaultSSHPort)
}

// SSHRunner executes commands on a remote host with password auth. The
// session runs under a PTY so sudo prompts can be answered, which also means
// stdout and stderr arrive as one stream.
type SSHRunner struct {
	// KnownHostsFile enables host key verification. Empty accepts any key.
	KnownHostsFile string
	DialTimeout    time.Duration
	// Timeout of zero lets commands run until they exit.
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
}

// Run dials target, runs command and waits for it.
func (r *SSHRunner) Run(ctx context.Context, target SSHTarget, command string) Outcome {
	start := time.Now()
	logger := r.logger().With("ssh_host", target.Host, "ssh_user", target.User)

	if err := target.validate(); err != nil {
		return launchFailed(err, start)
	}

	client, err := r.dial(ctx, target, logger)
	if err != nil {
		logger.Warn("ssh connect failed", "error", err)
		return launchFailed(fmt.Errorf("connect to remote server: %w", err), start)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return launchFailed(fmt.Errorf("open ssh session: %w", err), start)
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 40, 80, modes); err != nil {
		return launchFailed(fmt.Errorf("request pty: %w", err), start)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return launchFailed(fmt.Errorf("open ssh stdin: %w", err), start)
	}

	buf := newCappedBuffer(r.MaxOutputBytes)
	pw := &promptWriter{dst: buf, stdin: stdin, password: target.Password}
	session.Stdout = pw
	session.Stderr = pw

	logger.Debug("executing remote command", "command", command)
	if err := session.Start(command); err != nil {
		return launchFailed(fmt.Errorf("start remote command: %w", err), start)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- session.Wait()
	}()

	var timeout <-chan time.Time
	if r.Timeout > 0 {
		timer := time.NewTimer(r.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	out := Outcome{Combined: true, ExitCode: -1}
	select {
	case err := <-waitErr:
		out.Status, out.ExitCode, out.Err = classifyRemoteExit(err)
	case <-timeout:
		logger.Warn("remote command timed out", "timeout", r.Timeout)
		abort(session, client, waitErr)
		out.Status = StatusTimedOut
		out.Err = fmt.Errorf("%w after %s", ErrTimeout, r.Timeout)
	case <-ctx.Done():
		logger.Warn("remote command canceled")
		abort(session, client, waitErr)
		out.Status = StatusCanceled
		out.Err = fmt.Errorf("command canceled: %w", ctx.Err())
	}

	out.Stdout = buf.String()
	out.Truncated = buf.Truncated()
	out.Duration = time.Since(start)
	logger.Debug("remote command finished", "status", out.Status.String(), "exit_code", out.ExitCode, "duration", out.Duration)
	return out
}

func (r *SSHRunner) dial(ctx context.Context, target SSHTarget, logger *slog.Logger) (*ssh.Client, error) {
	hostKeyCallback, err := r.hostKeyCallback(logger)
	if err != nil {
		return nil, err
	}

	timeout := r.DialTimeout
	if timeout <= 0 {
		timeout = defaultSSHDialTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := target.addr()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (r *SSHRunner) hostKeyCallback(logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if r.KnownHostsFile == "" {
		logger.Warn("ssh host key verification disabled; set ssh.known_hosts to enable it")
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec
	}
	cb, err := knownhosts.New(r.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func (r *SSHRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.WithComponent("execute.ssh")
}

// abort asks the remote side to stop and then tears down the connection,
// which unblocks session.Wait even if the signal is ignored.
func abort(session *ssh.Session, client *ssh.Client, waitErr <-chan error) {
	_ = session.Signal(ssh.SIGTERM)
	_ = client.Close()
	<-waitErr
}

func classifyRemoteExit(err error) (Status, int, error) {
	if err == nil {
		return StatusSucceeded, 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return StatusFailed, exitErr.ExitStatus(), nil
	}
	return StatusFailed, -1, fmt.Errorf("remote command: %w", err)
}

// promptWriter copies session output to dst and answers sudo password
// prompts on stdin.
type promptWriter struct {
	mu       sync.Mutex
	dst      io.Writer
	stdin    io.Writer
	password string
	line     []byte
}

func (w *promptWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.dst.Write(p)
	for _, b := range p {
		if b == '\n' || b == '\r' {
			w.line = w.line[:0]
			continue
		}
		if len(w.line) >= maxPromptLine {
			continue
		}
		w.line = append(w.line, b)
		if bytes.HasPrefix(w.line, sudoPrompt) && bytes.HasSuffix(w.line, []byte(": ")) {
			if _, werr := io.WriteString(w.stdin, w.password+"\n"); werr != nil {
				return n, werr
			}
			w.line = w.line[:0]
		}
	}
	return n, err
}

package agentlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// authTokenEnv is the environment variable the spawned server reads its
// bearer token from when one is configured.
const authTokenEnv = "AGENTLINK_AUTH_TOKEN"

// defaultBinary is the server executable looked up in PATH when no binary,
// resolver, or external endpoint is configured.
const defaultBinary = "agentd"

// portAnnouncement matches the line a socket-mode server prints on stdout
// once it has bound its listener.
var portAnnouncement = regexp.MustCompile(`listening on port (\d+)`)

// signalProcess sends sig to a process, returning nil if the process has
// already exited.
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// supervisor owns the server subprocess lifecycle: spawn, exit watching,
// graceful stop, and kill. It is inert when the client attaches to an
// external server.
type supervisor struct {
	opts   *clientOptions
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	port     int
	exited   chan struct{}
	exitErr  error
	stopping atomic.Bool
}

func newSupervisor(opts *clientOptions, logger *slog.Logger) *supervisor {
	return &supervisor{opts: opts, logger: logger}
}

// binaryPath resolves the executable to spawn: explicit binary first, then
// the injected resolver, then the default name in PATH.
func (s *supervisor) binaryPath() (string, error) {
	if s.opts.binary != "" {
		return s.opts.binary, nil
	}
	if s.opts.resolver != nil {
		path, err := s.resolverPath()
		if err != nil {
			return "", err
		}
		if path != "" {
			return path, nil
		}
	}
	return defaultBinary, nil
}

func (s *supervisor) resolverPath() (string, error) {
	path, err := s.opts.resolver.Resolve()
	if err != nil {
		return "", fmt.Errorf("agentlink: resolve server binary: %w", err)
	}
	return path, nil
}

// buildArgs assembles the server command line from resolved options.
func (s *supervisor) buildArgs() []string {
	args := []string{"--headless", "--no-auto-update", "--log-level", s.opts.logLevel}
	if s.opts.useStdio {
		args = append(args, "--stdio")
	} else if s.opts.spawnPort > 0 {
		args = append(args, "--port", strconv.Itoa(s.opts.spawnPort))
	}
	if s.opts.token != "" {
		args = append(args, "--auth-token-env", authTokenEnv)
	}
	if !s.opts.useLoggedIn() {
		args = append(args, "--no-auto-login")
	}
	return append(args, s.opts.args...)
}

// start spawns the server subprocess. In stdio mode the pipe pair is ready
// when start returns; in socket mode start blocks until the child announces
// its listening port (bounded by ctx). onExit is invoked exactly once when
// the subprocess exits, with the wait error.
func (s *supervisor) start(ctx context.Context, onExit func(error)) error {
	if s.running() {
		return ErrAlreadyStarted
	}
	binary, err := s.binaryPath()
	if err != nil {
		return err
	}

	args := s.buildArgs()
	cmd := exec.Command(binary, args...)
	if s.opts.cwd != "" {
		cmd.Dir = s.opts.cwd
	}
	cmd.Env = s.opts.env
	if s.opts.token != "" {
		env := cmd.Env
		if env == nil {
			env = os.Environ()
		}
		cmd.Env = append(env, authTokenEnv+"="+s.opts.token)
	}

	var stdin io.WriteCloser
	if s.opts.useStdio {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("agentlink: stdin pipe: %w", err)
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agentlink: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("agentlink: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agentlink: start server: %w", err)
	}
	s.logger.Debug("server process started", "binary", binary, "pid", cmd.Process.Pid, "stdio", s.opts.useStdio)

	go s.drainStderr(stderr)

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.exited = exited
	s.exitErr = nil
	s.stopping.Store(false)
	s.mu.Unlock()

	if !s.opts.useStdio {
		port, err := s.awaitPortAnnouncement(ctx, stdout)
		if err != nil {
			_ = signalProcess(cmd.Process, os.Kill)
			go func() {
				_ = cmd.Wait()
				close(exited)
			}()
			s.mu.Lock()
			s.cmd = nil
			s.stdin = nil
			s.stdout = nil
			s.exited = nil
			s.mu.Unlock()
			return err
		}
		s.mu.Lock()
		s.port = port
		s.mu.Unlock()
		s.logger.Debug("server announced port", "port", port)
	}

	go s.watch(cmd, exited, onExit)
	return nil
}

// watch blocks on the subprocess and reports its exit.
func (s *supervisor) watch(cmd *exec.Cmd, exited chan struct{}, onExit func(error)) {
	err := cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()
	close(exited)

	if s.stopping.Load() {
		return
	}
	s.logger.Warn("server process exited unexpectedly", "error", err)
	if onExit != nil {
		onExit(err)
	}
}

// drainStderr forwards server stderr lines to the logger at debug level.
func (s *supervisor) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debug("server stderr", "line", scanner.Text())
	}
}

// awaitPortAnnouncement scans child stdout for the listening-port line.
func (s *supervisor) awaitPortAnnouncement(ctx context.Context, stdout io.Reader) (int, error) {
	type scanResult struct {
		port int
		err  error
	}
	result := make(chan scanResult, 1)

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			m := portAnnouncement.FindStringSubmatch(scanner.Text())
			if m == nil {
				continue
			}
			port, err := strconv.Atoi(m[1])
			if err != nil {
				result <- scanResult{err: fmt.Errorf("agentlink: parse announced port: %w", err)}
				return
			}
			result <- scanResult{port: port}
			return
		}
		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		result <- scanResult{err: fmt.Errorf("agentlink: server exited before announcing port: %w", err)}
	}()

	select {
	case r := <-result:
		return r.port, r.err
	case <-ctx.Done():
		return 0, fmt.Errorf("agentlink: waiting for server port: %w", ctx.Err())
	}
}

// pipes returns the stdio pipe pair of the running subprocess.
func (s *supervisor) pipes() (io.WriteCloser, io.ReadCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin, s.stdout
}

// announcedPort returns the port a socket-mode child reported.
func (s *supervisor) announcedPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// running reports whether a subprocess is alive.
func (s *supervisor) running() bool {
	s.mu.Lock()
	exited := s.exited
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// stop terminates the subprocess gracefully: SIGTERM, then SIGKILL after
// the grace period. Returns the subprocess exit error, with clean exits
// and signal-induced exits treated as success.
func (s *supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	s.stopping.Store(true)

	select {
	case <-exited:
		return nil
	default:
	}

	if err := signalProcess(cmd.Process, syscall.SIGTERM); err != nil {
		s.logger.Debug("terminate signal failed", "error", err)
	}

	select {
	case <-exited:
	case <-time.After(s.opts.gracePeriod):
		_ = signalProcess(cmd.Process, os.Kill)
		<-exited
	case <-ctx.Done():
		_ = signalProcess(cmd.Process, os.Kill)
		<-exited
	}

	s.mu.Lock()
	err := s.exitErr
	s.mu.Unlock()
	return ignoreExpectedExit(err)
}

// kill terminates the subprocess immediately. Idempotent.
func (s *supervisor) kill() {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	s.stopping.Store(true)

	select {
	case <-exited:
		return
	default:
	}
	_ = signalProcess(cmd.Process, os.Kill)
	<-exited
}

// ignoreExpectedExit filters exit errors that are the normal outcome of a
// requested shutdown: clean exits and deaths by the signals we send.
func ignoreExpectedExit(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	if ee.ExitCode() == 0 {
		return nil
	}
	status := ee.String()
	if strings.Contains(status, "terminated") || strings.Contains(status, "killed") {
		return nil
	}
	return fmt.Errorf("agentlink: server exit: %w", err)
}

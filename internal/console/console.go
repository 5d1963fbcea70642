// Package console drives an interactive line-oriented control subprocess,
// such as bluetoothctl. The daemon is conversational: unsolicited lines show
// up between command responses, so responses are never read with blocking
// line reads. Output is collected continuously and callers drain it,
// optionally polling until an expected pattern appears.
package console

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrStartupTimeout = errors.New("console: subprocess did not report readiness")
	ErrPatternTimeout = errors.New("console: timed out waiting for output pattern")
	ErrClosed         = errors.New("console: session is closed")
)

const (
	DefaultStartupTimeout = 10 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond

	// waitDelay bounds how long Wait keeps the output pipes open after the
	// subprocess dies. Descendants of the killed child inherit the pipe
	// writers; without the bound, Close blocks until they exit too.
	waitDelay = time.Second
)

// Config describes the subprocess to spawn and how to recognize that it is
// ready to accept commands.
type Config struct {
	Command        string
	Args           []string
	Banner         *regexp.Regexp
	StartupTimeout time.Duration
	PollInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Command == "" {
		c.Command = "bluetoothctl"
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Console is one live control session. At most one subprocess is active per
// Console, and Close always reaps it.
type Console struct {
	cfg   Config
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	pending bytes.Buffer
	closed  bool

	closeOnce sync.Once
}

// Start spawns the subprocess and blocks until its startup banner appears or
// the startup timeout elapses.
func Start(cfg Config) (*Console, error) {
	cfg = cfg.withDefaults()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.WaitDelay = waitDelay
	c := &Console{cfg: cfg, cmd: cmd}
	cmd.Stdout = (*sink)(c)
	cmd.Stderr = (*sink)(c)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("console: stdin pipe: %w", err)
	}
	c.stdin = stdin

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("console: start %s: %w", cfg.Command, err)
	}
	log.Debug().Str("command", cfg.Command).Int("pid", cmd.Process.Pid).Msg("console started")

	if cfg.Banner != nil {
		out, err := c.ReadAvailable(cfg.Banner, cfg.StartupTimeout)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("%w after %s; output so far: %q",
				ErrStartupTimeout, cfg.StartupTimeout, out)
		}
	}
	return c, nil
}

// sink collects subprocess output under the console lock. Both stdout and
// stderr feed the same buffer, matching how the daemon's lines would appear
// on a terminal.
type sink Console

func (s *sink) Write(p []byte) (int, error) {
	c := (*Console)(s)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Write(p)
}

// Send writes one newline-terminated command line. No response is read.
func (c *Console) Send(command string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := io.WriteString(c.stdin, command+"\n"); err != nil {
		return fmt.Errorf("console: send %q: %w", command, err)
	}
	log.Debug().Str("command", command).Msg("console send")
	return nil
}

// ReadAvailable drains everything the subprocess has produced so far. With a
// nil pattern it returns immediately. With a pattern it keeps draining every
// poll interval until the accumulated output matches or the timeout elapses;
// the accumulated output is returned either way so failures carry the
// evidence.
func (c *Console) ReadAvailable(pattern *regexp.Regexp, timeout time.Duration) (string, error) {
	acc := c.drain()
	if pattern == nil {
		return acc, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		if pattern.MatchString(acc) {
			return acc, nil
		}
		if time.Now().After(deadline) {
			return acc, fmt.Errorf("%w: %q not seen within %s; output so far: %q",
				ErrPatternTimeout, pattern, timeout, acc)
		}
		time.Sleep(c.cfg.PollInterval)
		acc += c.drain()
	}
}

func (c *Console) drain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending.String()
	c.pending.Reset()
	return out
}

// Close terminates the subprocess. Safe to call more than once; later calls
// are no-ops.
func (c *Console) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.stdin.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		c.cmd.Wait()
		log.Debug().Str("command", c.cfg.Command).Msg("console closed")
	})
	return nil
}

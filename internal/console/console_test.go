package console

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/okempf/btkit/internal/testutil/testlog"
)

func shConsole(t *testing.T, script string, banner *regexp.Regexp, startup time.Duration) *Console {
	t.Helper()
	c, err := Start(Config{
		Command:        "sh",
		Args:           []string{"-c", script},
		Banner:         banner,
		StartupTimeout: startup,
		PollInterval:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start console: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStartWaitsForBanner(t *testing.T) {
	testlog.Start(t)
	c := shConsole(t, `printf 'Agent registered\n'; sleep 10`,
		regexp.MustCompile(`(?i)agent registered`), 3*time.Second)
	c.Close()
}

func TestStartBannerTimeout(t *testing.T) {
	testlog.Start(t)
	started := time.Now()
	_, err := Start(Config{
		Command:        "sh",
		Args:           []string{"-c", "sleep 10"},
		Banner:         regexp.MustCompile(`agent registered`),
		StartupTimeout: 300 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
	})
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("expected ErrStartupTimeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("startup timeout took too long: %v", elapsed)
	}
}

func TestReadAvailableDrainsWithoutPattern(t *testing.T) {
	testlog.Start(t)
	c := shConsole(t, `printf 'hello\n'; sleep 10`, nil, 0)

	deadline := time.Now().Add(2 * time.Second)
	var acc string
	for time.Now().Before(deadline) {
		out, err := c.ReadAvailable(nil, 0)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		acc += out
		if strings.Contains(acc, "hello") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never observed subprocess output, got %q", acc)
}

func TestReadAvailableWaitsForLatePattern(t *testing.T) {
	testlog.Start(t)
	c := shConsole(t, `printf 'noise\n'; sleep 0.3; printf 'Connected: yes\n'; sleep 10`, nil, 0)

	out, err := c.ReadAvailable(regexp.MustCompile(`Connected: (yes|no)`), 3*time.Second)
	if err != nil {
		t.Fatalf("pattern wait failed: %v", err)
	}
	if !strings.Contains(out, "noise") {
		t.Fatalf("accumulated output should keep unrelated lines, got %q", out)
	}
}

func TestReadAvailablePatternTimeoutTiming(t *testing.T) {
	testlog.Start(t)
	c := shConsole(t, `printf 'nothing relevant\n'; sleep 10`, nil, 0)

	started := time.Now()
	out, err := c.ReadAvailable(regexp.MustCompile(`Connected: (yes|no)`), 500*time.Millisecond)
	elapsed := time.Since(started)

	if !errors.Is(err, ErrPatternTimeout) {
		t.Fatalf("expected ErrPatternTimeout, got %v", err)
	}
	if elapsed < 450*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("timeout fired at %v, expected ~500ms", elapsed)
	}
	// The error carries the accumulated buffer for diagnostics.
	if !strings.Contains(err.Error(), "nothing relevant") && !strings.Contains(out, "nothing relevant") {
		t.Fatalf("expected accumulated output in diagnostics, got err=%v out=%q", err, out)
	}
}

func TestSendReachesSubprocess(t *testing.T) {
	testlog.Start(t)
	c := shConsole(t, `cat`, nil, 0)

	if err := c.Send("connect AA:BB"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	out, err := c.ReadAvailable(regexp.MustCompile(`connect AA:BB`), 2*time.Second)
	if err != nil {
		t.Fatalf("echo not observed: %v (got %q)", err, out)
	}
}

func TestCloseDoesNotWaitForDescendants(t *testing.T) {
	testlog.Start(t)
	// The shell forks a long-lived child that inherits the output pipe and
	// outlives the kill. Close must still return within the wait bound
	// instead of blocking until that child exits.
	c := shConsole(t, `sleep 30 & printf 'ready\n'; wait`, nil, 0)
	if _, err := c.ReadAvailable(regexp.MustCompile(`ready`), 2*time.Second); err != nil {
		t.Fatalf("subprocess never came up: %v", err)
	}

	started := time.Now()
	c.Close()
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("close blocked on descendant process: %v", elapsed)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	c := shConsole(t, `sleep 10`, nil, 0)

	if err := c.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if err := c.Send("anything"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

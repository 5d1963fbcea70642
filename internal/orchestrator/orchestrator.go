// Package orchestrator coordinates one whole control session: capture radio
// state, enable radios, run the requested device operation, and guarantee
// that teardown happens exactly once whether the run ends normally, fails,
// or is interrupted.
package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/okempf/btkit/internal/audio"
	"github.com/okempf/btkit/internal/rfkill"
	"github.com/rs/zerolog/log"
)

// Op selects the requested operation.
type Op int

const (
	OpConnect Op = iota
	// OpConnectReset is connect plus the profile-reset workaround for stuck
	// negotiations.
	OpConnectReset
	OpDisconnect
	OpStatus
)

// holdsSession reports whether the operation leaves the device in use after
// it succeeds. Only those runs pause for user confirmation before teardown;
// a status query or an explicit disconnect is over when the operation is.
func (op Op) holdsSession() bool {
	return op == OpConnect || op == OpConnectReset
}

// SessionState is the orchestrator's lifecycle position. Exactly one
// orchestrator owns it per invocation.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateResettingProfile
	StateDisconnecting
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateResettingProfile:
		return "resetting-profile"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// RadioStore is the kill-switch surface consumed by the orchestrator.
// *rfkill.Store satisfies it.
type RadioStore interface {
	List(filterLabel string) ([]rfkill.Radio, error)
	Unblock(radios []rfkill.Radio) error
	Block(radios []rfkill.Radio) error
}

// Session is one live daemon conversation. It is opened only after radios
// are enabled and always closed before Run returns.
type Session interface {
	Connect(ctx context.Context, deviceID string) error
	Disconnect(ctx context.Context, deviceID string) error
	IsConnected(deviceID string) (bool, error)
	ResetProfile(ctx context.Context, deviceID, cardName string) error
	Close() error
}

// teardownFlags guard the two teardown actions. The signal watcher is a real
// goroutine, so claims are mutex-guarded check-and-set: whichever path
// claims a flag first performs that action, the other path skips it.
type teardownFlags struct {
	mu                sync.Mutex
	slaveDisconnected bool
	radiosRestored    bool
}

func (f *teardownFlags) claimDisconnect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slaveDisconnected {
		return false
	}
	f.slaveDisconnected = true
	return true
}

func (f *teardownFlags) claimRestore() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.radiosRestored {
		return false
	}
	f.radiosRestored = true
	return true
}

// Orchestrator runs one session for one configured device.
type Orchestrator struct {
	Radios      RadioStore
	OpenSession func() (Session, error)

	// MasterRadioLabel optionally restricts the radio snapshot to one
	// kill-switch label.
	MasterRadioLabel string
	DeviceAddr       string

	// TeardownTimeout bounds the teardown disconnect, which would otherwise
	// retry forever against a dead daemon.
	TeardownTimeout time.Duration

	// In and Out carry the end-of-session confirmation prompt. They default
	// to the process's stdin/stdout.
	In  io.Reader
	Out io.Writer

	stateMu   sync.Mutex
	state     SessionState
	flags     teardownFlags
	snapshot  []rfkill.Radio
	unblocked bool
	session   Session
	sessionMu sync.Mutex

	// raise re-delivers the interrupt after teardown; replaced in tests.
	raise func(sig os.Signal)
}

// State reports the current session state. The interrupt watcher updates it
// from its own goroutine, hence the lock.
func (o *Orchestrator) State() SessionState {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s SessionState) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}

// Run executes op and returns only after teardown has completed. Interrupts
// (SIGINT/SIGTERM) cancel the in-flight operation, run the same teardown,
// and then re-raise the signal so the shell observes an interrupted run.
func (o *Orchestrator) Run(ctx context.Context, op Op) (err error) {
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = 30 * time.Second
	}
	if o.In == nil {
		o.In = os.Stdin
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.raise == nil {
		o.raise = reraise
	}

	// Snapshot before touching anything. A mixed blocked/unblocked state
	// with no explicit filter aborts here, with zero toggles issued.
	o.snapshot, err = o.Radios.List(o.MasterRadioLabel)
	if err != nil {
		o.setState(StateFailed)
		return err
	}

	if rfkill.AllBlocked(o.snapshot) {
		log.Info().Int("radios", len(o.snapshot)).Msg("radios blocked, unblocking for session")
		if err := o.Radios.Unblock(o.snapshot); err != nil {
			o.setState(StateFailed)
			return err
		}
		o.unblocked = true
	}

	// A status query does not own the link, so teardown must not issue its
	// own disconnect for it.
	if op == OpStatus {
		o.flags.claimDisconnect()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// The watcher cancels the in-flight operation and waits for it to
	// unwind before tearing down, so the teardown disconnect never runs
	// concurrently with the operation on the same console. On normal
	// completion it exits through runDone.
	opDone := make(chan struct{})
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case sig := <-sigCh:
			log.Warn().Str("signal", sig.String()).Msg("interrupted, tearing down")
			cancel()
			<-opDone
			o.teardown()
			signal.Stop(sigCh)
			o.raise(sig)
		case <-runDone:
		}
	}()

	opErr := o.runOp(ctx, op)
	close(opDone)

	if opErr == nil && o.unblocked && op.holdsSession() {
		// The radios stay enabled while the device is in use; only the user
		// knows when that use is over.
		fmt.Fprint(o.Out, "session active; press Enter to disconnect and restore radio state... ")
		bufio.NewReader(o.In).ReadString('\n')
	}

	if tdErr := o.teardown(); tdErr != nil && opErr == nil {
		opErr = tdErr
	}

	if opErr != nil {
		o.setState(StateFailed)
		return opErr
	}
	o.setState(StateClosed)
	return nil
}

func (o *Orchestrator) runOp(ctx context.Context, op Op) error {
	session, err := o.OpenSession()
	if err != nil {
		return err
	}
	o.sessionMu.Lock()
	o.session = session
	o.sessionMu.Unlock()

	switch op {
	case OpConnect:
		o.setState(StateConnecting)
		if err := session.Connect(ctx, o.DeviceAddr); err != nil {
			return err
		}
		o.setState(StateConnected)
		return nil

	case OpConnectReset:
		o.setState(StateConnecting)
		if err := session.Connect(ctx, o.DeviceAddr); err != nil {
			return err
		}
		o.setState(StateResettingProfile)
		if err := session.ResetProfile(ctx, o.DeviceAddr, audio.CardName(o.DeviceAddr)); err != nil {
			return err
		}
		o.setState(StateConnected)
		return nil

	case OpDisconnect:
		o.setState(StateDisconnecting)
		if !o.flags.claimDisconnect() {
			return nil
		}
		return session.Disconnect(ctx, o.DeviceAddr)

	case OpStatus:
		connected, err := session.IsConnected(o.DeviceAddr)
		if err != nil {
			return err
		}
		answer := "no"
		if connected {
			answer = "yes"
		}
		fmt.Fprintf(o.Out, "%s connected: %s\n", o.DeviceAddr, answer)
		return nil
	}
	return fmt.Errorf("orchestrator: unknown operation %d", op)
}

// teardown is the single cleanup path shared by normal completion and the
// interrupt watcher. Each action runs at most once across both callers.
func (o *Orchestrator) teardown() error {
	var firstErr error

	o.sessionMu.Lock()
	session := o.session
	o.sessionMu.Unlock()

	if session != nil && o.DeviceAddr != "" && o.flags.claimDisconnect() {
		o.setState(StateDisconnecting)
		ctx, cancel := context.WithTimeout(context.Background(), o.TeardownTimeout)
		if err := session.Disconnect(ctx, o.DeviceAddr); err != nil {
			log.Warn().Err(err).Str("device", o.DeviceAddr).Msg("teardown disconnect failed")
			firstErr = err
		}
		cancel()
	}

	if o.unblocked && o.flags.claimRestore() {
		log.Info().Int("radios", len(o.snapshot)).Msg("restoring radio block state")
		if err := o.Radios.Block(o.snapshot); err != nil {
			log.Warn().Err(err).Msg("radio restore failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if session != nil {
		session.Close()
	}
	return firstErr
}

func reraise(sig os.Signal) {
	signal.Reset(sig)
	if s, ok := sig.(syscall.Signal); ok {
		syscall.Kill(os.Getpid(), s)
		return
	}
	os.Exit(1)
}

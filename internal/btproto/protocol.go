// Package btproto implements the connect/disconnect/status conversation with
// the Bluetooth control daemon, including the retry loops and the profile
// reset workaround.
package btproto

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/okempf/btkit/internal/audio"
	"github.com/rs/zerolog/log"
)

var ErrDeviceUnavailable = errors.New("btproto: device not available")

// Transport is the line-based request/response channel to the control
// daemon. *console.Console satisfies it.
type Transport interface {
	Send(command string) error
	ReadAvailable(pattern *regexp.Regexp, timeout time.Duration) (string, error)
}

// OpState tracks one operation's progress.
type OpState int

const (
	OpIdle OpState = iota
	OpAttempting
	OpSucceeded
	OpFailed
)

func (s OpState) String() string {
	switch s {
	case OpIdle:
		return "idle"
	case OpAttempting:
		return "attempting"
	case OpSucceeded:
		return "succeeded"
	case OpFailed:
		return "failed"
	}
	return "unknown"
}

// verdict is the tagged result of classifying one drained output window.
type verdict int

const (
	verdictNone verdict = iota
	verdictSuccess
	verdictRetry
	verdictHard
)

func classify(window string, success, failure *regexp.Regexp, hard bool) verdict {
	if success != nil && success.MatchString(window) {
		return verdictSuccess
	}
	if failure != nil && failure.MatchString(window) {
		if hard {
			return verdictHard
		}
		return verdictRetry
	}
	return verdictNone
}

// Protocol runs device operations over a Transport.
type Protocol struct {
	Transport     Transport
	Markers       Markers
	Audio         *audio.Switcher
	SinkProfile   string
	Poll          time.Duration
	StatusTimeout time.Duration
	Backoff       BackoffConfig

	stateMu sync.Mutex
	state   OpState
}

func New(t Transport, m Markers) *Protocol {
	return &Protocol{
		Transport:     t,
		Markers:       m,
		SinkProfile:   audio.DefaultSinkProfile,
		Poll:          100 * time.Millisecond,
		StatusTimeout: 5 * time.Second,
		Backoff:       DefaultBackoff(),
	}
}

// State reports the most recent operation's state. A teardown can read it
// from another goroutine, hence the lock.
func (p *Protocol) State() OpState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

func (p *Protocol) setState(s OpState) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// Connect keeps issuing `connect <id>` until the daemon reports success.
// Transient failures are expected during negotiation and are absorbed: each
// observed failure marker triggers one re-issued connect command. There is
// no retry bound; callers needing one cancel the context.
func (p *Protocol) Connect(ctx context.Context, deviceID string) error {
	p.setState(OpAttempting)
	if err := p.Transport.Send("connect " + deviceID); err != nil {
		p.setState(OpFailed)
		return err
	}

	attempt := 1
	window := ""
	for {
		if err := ctx.Err(); err != nil {
			p.setState(OpFailed)
			return err
		}
		out, err := p.Transport.ReadAvailable(nil, 0)
		if err != nil {
			p.setState(OpFailed)
			return err
		}
		window += out

		switch classify(window, p.Markers.ConnectOK, p.Markers.ConnectFailed, false) {
		case verdictSuccess:
			log.Info().Str("device", deviceID).Int("attempts", attempt).Msg("connected")
			p.setState(OpSucceeded)
			return nil
		case verdictRetry:
			attempt++
			log.Debug().Str("device", deviceID).Int("attempt", attempt).Msg("connect failed, retrying")
			p.sleep(NextBackoffDelay(p.Backoff, attempt, nil))
			window = ""
			if err := p.Transport.Send("connect " + deviceID); err != nil {
				p.setState(OpFailed)
				return err
			}
		default:
			p.sleep(p.Poll)
		}
	}
}

// Disconnect issues `disconnect <id>` once and waits for the outcome. A
// "device not available" answer means the device cannot be addressed at all;
// that is a hard failure, never retried.
func (p *Protocol) Disconnect(ctx context.Context, deviceID string) error {
	p.setState(OpAttempting)
	if err := p.Transport.Send("disconnect " + deviceID); err != nil {
		p.setState(OpFailed)
		return err
	}

	window := ""
	for {
		if err := ctx.Err(); err != nil {
			p.setState(OpFailed)
			return err
		}
		out, err := p.Transport.ReadAvailable(nil, 0)
		if err != nil {
			p.setState(OpFailed)
			return err
		}
		window += out

		switch classify(window, p.Markers.DisconnectOK, p.Markers.DeviceUnavailable, true) {
		case verdictSuccess:
			log.Info().Str("device", deviceID).Msg("disconnected")
			p.setState(OpSucceeded)
			return nil
		case verdictHard:
			p.setState(OpFailed)
			return fmt.Errorf("%w: %s", ErrDeviceUnavailable, deviceID)
		default:
			p.sleep(p.Poll)
		}
	}
}

// IsConnected queries `info <id>` and waits a bounded time for the
// "Connected: yes|no" line.
func (p *Protocol) IsConnected(deviceID string) (bool, error) {
	if err := p.Transport.Send("info " + deviceID); err != nil {
		return false, err
	}
	out, err := p.Transport.ReadAvailable(p.Markers.ConnectedStatus, p.StatusTimeout)
	if err != nil {
		return false, err
	}
	m := p.Markers.ConnectedStatus.FindStringSubmatch(out)
	if len(m) < 2 {
		return false, fmt.Errorf("btproto: connected status marker matched without a yes/no group in %q", out)
	}
	return m[1] == "yes", nil
}

// ResetProfile runs the stuck-negotiation workaround: drop the card profile,
// force a disconnect/reconnect cycle, then restore the sink profile. Profile
// switches fail fast; the embedded connect/disconnect keep their own retry
// behavior.
func (p *Protocol) ResetProfile(ctx context.Context, deviceID, cardName string) error {
	if p.Audio == nil {
		return fmt.Errorf("btproto: no audio switcher configured")
	}
	sink := p.SinkProfile
	if sink == "" {
		sink = audio.DefaultSinkProfile
	}

	log.Info().Str("device", deviceID).Str("card", cardName).Msg("resetting audio profile")
	if err := p.Audio.SetProfile(cardName, audio.ProfileOff); err != nil {
		return err
	}
	if err := p.Disconnect(ctx, deviceID); err != nil {
		return err
	}
	if err := p.Connect(ctx, deviceID); err != nil {
		return err
	}
	return p.Audio.SetProfile(cardName, sink)
}

func (p *Protocol) sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

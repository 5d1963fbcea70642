// Package audio is the boundary to the audio subsystem's profile-switch
// command. Only the card-name derivation and the profile switch live here;
// the audio server itself is an external collaborator.
package audio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/okempf/btkit/internal/runner"
	"github.com/rs/zerolog/log"
)

var ErrProfileSwitch = errors.New("audio: profile switch failed")

const (
	// ProfileOff detaches the card from every profile.
	ProfileOff = "off"
	// DefaultSinkProfile is the high-quality playback profile restored after
	// a reset cycle.
	DefaultSinkProfile = "a2dp_sink"

	cardNamespace = "bluez_card."
)

// CardName derives the audio card identifier from a device hardware
// address: "AA:BB:CC:DD:EE:FF" becomes "bluez_card.AA_BB_CC_DD_EE_FF".
func CardName(deviceAddr string) string {
	return cardNamespace + strings.ReplaceAll(deviceAddr, ":", "_")
}

// Switcher applies card profiles through the external profile-switch
// command.
type Switcher struct {
	Runner  runner.Runner
	Command string
}

func NewSwitcher(r runner.Runner) *Switcher {
	return &Switcher{Runner: r, Command: "pactl"}
}

func (s *Switcher) command() string {
	if s.Command != "" {
		return s.Command
	}
	return "pactl"
}

// SetProfile switches the card to the given profile. A non-zero exit status
// from the collaborator is a hard error.
func (s *Switcher) SetProfile(card, profile string) error {
	out, err := s.Runner.Run(s.command(), "set-card-profile", card, profile)
	if err != nil {
		return fmt.Errorf("%w: card %s profile %s: %v (output: %s)",
			ErrProfileSwitch, card, profile, err, strings.TrimSpace(out))
	}
	log.Info().Str("card", card).Str("profile", profile).Msg("audio profile switched")
	return nil
}

// Package rfkill enumerates and toggles the host's wireless kill-switches
// through the rfkill(8) command line tool.
package rfkill

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/okempf/btkit/internal/runner"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoRadios       = errors.New("rfkill: no radios found")
	ErrMixedRadioState = errors.New("rfkill: radios are in a mixed blocked/unblocked state")
)

// Radio is one kill-switch row as reported by rfkill.
type Radio struct {
	ID      int
	Type    string
	Label   string
	Blocked bool
}

// Store lists and toggles radios. It holds no state of its own; every List
// reads fresh hardware state.
type Store struct {
	Runner  runner.Runner
	Command string
}

func NewStore(r runner.Runner) *Store {
	return &Store{Runner: r, Command: "rfkill"}
}

func (s *Store) command() string {
	if s.Command != "" {
		return s.Command
	}
	return "rfkill"
}

// List returns all radios, or only those whose label matches filterLabel
// when it is non-empty. With no filter, a mix of blocked and unblocked
// radios is refused rather than guessed at.
func (s *Store) List(filterLabel string) ([]Radio, error) {
	out, err := s.Runner.Run(s.command(), "-n", "-o", "ID,TYPE,DEVICE,SOFT")
	if err != nil {
		return nil, fmt.Errorf("rfkill: list radios: %w (output: %s)", err, strings.TrimSpace(out))
	}

	radios, err := parseTable(out)
	if err != nil {
		return nil, err
	}

	if filterLabel != "" {
		filtered := radios[:0]
		for _, r := range radios {
			if strings.EqualFold(r.Label, filterLabel) {
				filtered = append(filtered, r)
			}
		}
		radios = filtered
	}

	if len(radios) == 0 {
		if filterLabel != "" {
			return nil, fmt.Errorf("%w (label %q)", ErrNoRadios, filterLabel)
		}
		return nil, ErrNoRadios
	}

	if filterLabel == "" && !uniformBlocked(radios) {
		return nil, ErrMixedRadioState
	}

	return radios, nil
}

// Unblock enables every given radio, one toggle per device. Earlier toggles
// are not rolled back if a later one fails.
func (s *Store) Unblock(radios []Radio) error {
	return s.toggle("unblock", radios)
}

// Block disables every given radio, one toggle per device. Earlier toggles
// are not rolled back if a later one fails.
func (s *Store) Block(radios []Radio) error {
	return s.toggle("block", radios)
}

func (s *Store) toggle(verb string, radios []Radio) error {
	for _, r := range radios {
		out, err := s.Runner.Run(s.command(), verb, strconv.Itoa(r.ID))
		if err != nil {
			return fmt.Errorf("rfkill: %s radio %d (%s): %w (output: %s)",
				verb, r.ID, r.Label, err, strings.TrimSpace(out))
		}
		log.Debug().Str("verb", verb).Int("radio", r.ID).Str("label", r.Label).Msg("rfkill toggle")
	}
	return nil
}

// parseTable parses `rfkill -n -o ID,TYPE,DEVICE,SOFT` output. The device
// label may contain spaces, so the row is split as: first field ID, second
// TYPE, last field SOFT status, everything between is the label.
func parseTable(out string) ([]Radio, error) {
	var radios []Radio
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("rfkill: unexpected row %q", line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("rfkill: unexpected radio id in row %q: %w", line, err)
		}
		status := fields[len(fields)-1]
		blocked, err := parseStatus(status)
		if err != nil {
			return nil, err
		}
		radios = append(radios, Radio{
			ID:      id,
			Type:    fields[1],
			Label:   strings.Join(fields[2:len(fields)-1], " "),
			Blocked: blocked,
		})
	}
	return radios, nil
}

func parseStatus(status string) (bool, error) {
	switch strings.ToLower(status) {
	case "blocked":
		return true, nil
	case "unblocked":
		return false, nil
	default:
		return false, fmt.Errorf("rfkill: unexpected status %q", status)
	}
}

func uniformBlocked(radios []Radio) bool {
	for _, r := range radios[1:] {
		if r.Blocked != radios[0].Blocked {
			return false
		}
	}
	return true
}

// AllBlocked reports whether every radio in the snapshot is blocked.
func AllBlocked(radios []Radio) bool {
	for _, r := range radios {
		if !r.Blocked {
			return false
		}
	}
	return len(radios) > 0
}

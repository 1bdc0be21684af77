package target_state_store

import (
	"fmt"
	"strings"
)

// TargetID identifies a physical metadata target. Zero is never valid.
type TargetID uint16

type Reachability uint8

const (
	Online Reachability = iota + 1
	ProbablyOffline
	Offline
)

var reachabilityNames = map[Reachability]string{
	Online:          "online",
	ProbablyOffline: "probably-offline",
	Offline:         "offline",
}

func (r Reachability) String() string {
	if name, ok := reachabilityNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reachability(%d)", uint8(r))
}

func (r Reachability) Valid() bool {
	_, ok := reachabilityNames[r]
	return ok
}

func (r Reachability) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Reachability) UnmarshalText(text []byte) error {
	parsed, err := ParseReachability(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func ParseReachability(s string) (Reachability, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range reachabilityNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: reachability %q", ErrInvalidState, s)
}

type Consistency uint8

const (
	Good Consistency = iota + 1
	NeedsResync
	Bad
)

var consistencyNames = map[Consistency]string{
	Good:        "good",
	NeedsResync: "needs-resync",
	Bad:         "bad",
}

func (c Consistency) String() string {
	if name, ok := consistencyNames[c]; ok {
		return name
	}
	return fmt.Sprintf("consistency(%d)", uint8(c))
}

func (c Consistency) Valid() bool {
	_, ok := consistencyNames[c]
	return ok
}

func (c Consistency) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Consistency) UnmarshalText(text []byte) error {
	parsed, err := ParseConsistency(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func ParseConsistency(s string) (Consistency, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range consistencyNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: consistency %q", ErrInvalidState, s)
}

type CombinedState struct {
	Reachability Reachability `json:"reachability" yaml:"reachability"`
	Consistency  Consistency  `json:"consistency" yaml:"consistency"`
}

// Usable means a request may be mirrored to the target right now.
func (s CombinedState) Usable() bool {
	return s.Reachability == Online && s.Consistency == Good
}

func (s CombinedState) String() string {
	return s.Reachability.String() + "/" + s.Consistency.String()
}

// Record is the persisted and exchanged form of one target's state.
type Record struct {
	ID           TargetID     `json:"id" yaml:"id"`
	Reachability Reachability `json:"reachability" yaml:"reachability"`
	Consistency  Consistency  `json:"consistency" yaml:"consistency"`
}

func (r Record) State() CombinedState {
	return CombinedState{Reachability: r.Reachability, Consistency: r.Consistency}
}

func (r Record) validate() error {
	if r.ID == 0 {
		return ErrInvalidTargetID
	}
	if !r.Reachability.Valid() || !r.Consistency.Valid() {
		return fmt.Errorf("%w: target %d", ErrInvalidState, r.ID)
	}
	return nil
}

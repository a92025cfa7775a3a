// Package keystate parses OpenPGP public keys and classifies
// them as valid, expired, revoked or invalid.
package keystate

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a public key.
type State uint8

const (
	Invalid State = iota
	Expired
	Revoked
	Valid
)

// NeverExpires is the DaysRemaining value reported for valid keys
// without expiration date.
const NeverExpires = -1

const day = 24 * time.Hour

func (s State) String() string {
	switch s {
	case Expired:
		return "expired"
	case Revoked:
		return "revoked"
	case Valid:
		return "valid"
	default:
		return "invalid"
	}
}

// Status is the result of a key classification.
type Status struct {
	State State
	// DaysRemaining is the number of whole days left before
	// expiration, only meaningful for valid keys.
	DaysRemaining int
}

// Expires reports whether the status has an expiration countdown.
func (s Status) Expires() bool {
	return s.State == Valid && s.DaysRemaining != NeverExpires
}

func (s Status) String() string {
	if !s.Expires() {
		return s.State.String()
	}
	return fmt.Sprintf("%s (expires in %d day(s))", s.State, s.DaysRemaining)
}

// Classify returns the state of the key record at now. A non nil err,
// coming either from Parse or from a keyserver lookup, always makes the
// key invalid.
func Classify(kr *KeyRecord, err error, now time.Time) Status {
	if err != nil || kr == nil {
		return Status{State: Invalid}
	}
	if kr.Revoked {
		return Status{State: Revoked}
	}
	if kr.ExpiresAt == nil {
		return Status{State: Valid, DaysRemaining: NeverExpires}
	}
	if !kr.ExpiresAt.After(now) {
		return Status{State: Expired}
	}
	return Status{
		State:         Valid,
		DaysRemaining: int(kr.ExpiresAt.Sub(now) / day),
	}
}

// Evaluate parses raw and classifies the resulting key. The parse error,
// if any, is returned alongside the invalid status.
func Evaluate(raw []byte, now time.Time) (Status, *KeyRecord, error) {
	kr, err := Parse(raw)
	return Classify(kr, err, now), kr, err
}

// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by every dataplane stage.
var (
	// Frame buffer errors
	ErrFrameTooShort = errors.New("xpass: frame too short")
	ErrNoHeadroom    = errors.New("xpass: not enough headroom to prepend")

	// Header location errors
	ErrNotApplicable = errors.New("xpass: frame is not IPv4/TCP")

	// Flow state errors
	ErrFlowTableFull    = errors.New("xpass: flow table full")
	ErrTemplateTooLarge = errors.New("xpass: credit template too large")
	ErrInvalidDSCP      = errors.New("xpass: invalid DSCP value")
	ErrInvalidGate      = errors.New("xpass: invalid input gate")

	// Pacing errors
	ErrInsufficientTokens = errors.New("xpass: insufficient tokens")
	ErrAlreadyScheduled   = errors.New("xpass: flow already scheduled")
	ErrFlowOutOfRange     = errors.New("xpass: flow id out of range")

	// Configuration errors
	ErrConfigInvalid = errors.New("xpass: invalid configuration")
)

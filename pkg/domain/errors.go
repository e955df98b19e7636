package domain

import "errors"

// Common pipeline errors
var (
	// ErrBlocked indicates a block-severity rule matched.
	ErrBlocked = errors.New("content blocked by policy")
	// ErrRuleTimeout indicates a rule exceeded the stage deadline.
	ErrRuleTimeout = errors.New("rule evaluation timed out")
	// ErrSourceFailure indicates the generation source failed mid-stream.
	ErrSourceFailure = errors.New("generation source failure")
	// ErrSourceExhausted indicates the source failed after its retry budget.
	ErrSourceExhausted = errors.New("generation source unavailable")
	// ErrConfigInvalid indicates a malformed rule or stage declaration.
	// Configuration errors are fatal at startup and never raised at
	// request time.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrUnknownRule indicates a stage referenced a rule id that is not
	// registered. Rejected at load time, not at call time.
	ErrUnknownRule = errors.New("unknown rule id")
)

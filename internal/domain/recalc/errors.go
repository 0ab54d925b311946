package recalc

import "errors"

// Causes carried inside failure kinds.
var (
	ErrBadScope       = errors.New("unknown job scope")
	ErrEmptyScope     = errors.New("scope selects no units")
	ErrUnknownRegion  = errors.New("unknown region")
	ErrUnknownUnit    = errors.New("unknown unit")
	ErrJobFinished    = errors.New("job already finished")
	ErrQueueRejected  = errors.New("job queue rejected the job")
	ErrLedgerDown     = errors.New("ledger unreachable")
	ErrJobInterrupted = errors.New("job interrupted")
)

package scenario

import "errors"

// Error constants.
var (
	ErrLoad        = errors.New("scenario load failed")
	ErrInvalidStep = errors.New("invalid scenario step")
	ErrUnknownRef  = errors.New("unknown scenario reference")
	ErrExpectation = errors.New("scenario expectation not met")
)

package crisis

import "errors"

// Causes carried inside failure kinds.
var (
	ErrNoOpenCrisis      = errors.New("city has no open crisis")
	ErrAlreadyMitigated  = errors.New("crisis already has an accepted mitigation plan")
	ErrInvalidPlan       = errors.New("mitigation plan is incomplete")
	ErrIllegalTransition = errors.New("illegal crisis transition")
)

// Package crisis runs the per-city crisis state machine.
package crisis

import "github.com/okian/worldsim/internal/domain/model"

// none is the state of a city without an open crisis.
const none model.CrisisStatus = ""

var transitions = map[model.CrisisStatus][]model.CrisisStatus{
	none:                   {model.CrisisActive},
	model.CrisisActive:     {model.CrisisEscalating, model.CrisisMitigated, model.CrisisResolved},
	model.CrisisEscalating: {model.CrisisActive, model.CrisisMitigated, model.CrisisResolved},
	model.CrisisMitigated:  {model.CrisisResolved},
	model.CrisisResolved:   nil,
}

// CanTransition reports whether the state machine allows from -> to.
// The empty status stands for "no crisis".
func CanTransition(from, to model.CrisisStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

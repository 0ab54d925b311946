package api

import (
	"errors"
	"net/http"

	"github.com/okian/worldsim/internal/domain/failure"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest = errors.New("bad request")
	ErrBadWindow  = errors.New("bad summary window")
)

// retryAfterSeconds is advertised when a per-key lock could not be taken in time.
const retryAfterSeconds = "1"

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.ErrValidation:
		return http.StatusBadRequest
	case failure.ErrNotFound:
		return http.StatusNotFound
	case failure.ErrCooldownActive, failure.ErrSuperseded:
		return http.StatusConflict
	case failure.ErrOutOfRange, failure.ErrInsufficientEvidence:
		return http.StatusUnprocessableEntity
	case failure.ErrContended, failure.ErrUnavailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, ErrBadRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

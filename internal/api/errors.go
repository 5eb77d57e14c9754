package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/mpq/internal/errdefs"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps a run failure to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, errdefs.ErrInvalidModel),
		errors.Is(err, errdefs.ErrInvalidConfig),
		errors.Is(err, errdefs.ErrUnsupportedOperator),
		errors.Is(err, errdefs.ErrGraphCycle),
		errors.Is(err, errdefs.ErrInsufficientCalibrationData):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, errdefs.ErrInfeasibleBudget),
		errors.Is(err, errdefs.ErrSearchInfeasible):
		return http.StatusUnprocessableEntity, "infeasible_budget_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

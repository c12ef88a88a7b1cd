// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/bcef-innovation/identity-core/internal/shared"
)

// RateLimitBody is the payload returned with 429 responses.
type RateLimitBody struct {
	Detail string `json:"detail"`
	Count  int64  `json:"count"`
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var (
		rateErr   *shared.RateLimitedError
		fieldErr  *shared.FieldError
		policyErr *shared.PolicyError
	)
	switch {
	case errors.As(err, &rateErr):
		JSON(w, http.StatusTooManyRequests, RateLimitBody{Detail: rateErr.Error(), Count: rateErr.Count})
	case errors.As(err, &policyErr):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: "password does not satisfy policy",
			Errors: map[string][]string{"password": policyErr.Reasons},
		})
	case errors.As(err, &fieldErr):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: fieldErr.Error(),
			Errors: map[string][]string{fieldErr.Field: {fieldErr.Reason}},
		})
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrUnauthenticated), errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrAuthorization):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrRateLimited):
		Problem(w, http.StatusTooManyRequests, "Too Many Requests", err.Error())
	case errors.Is(err, shared.ErrDependency):
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", shared.UserSafeMessage(err))
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

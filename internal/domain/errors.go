package domain

import (
	"fmt"
)

type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches on Code so wrapped copies produced by WithError still satisfy
// errors.Is against the predefined value.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) WithError(err error) *AppError {
	return &AppError{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Err:        err,
	}
}

// WithMessage returns a copy carrying a more specific message.
func (e *AppError) WithMessage(msg string) *AppError {
	return &AppError{
		Code:       e.Code,
		Message:    msg,
		StatusCode: e.StatusCode,
		Err:        e.Err,
	}
}

// Pre-defined errors
var (
	ErrInternal = &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    "An unexpected error occurred",
		StatusCode: 500,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: 400,
	}

	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Invalid or missing bearer token",
		StatusCode: 401,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Access denied",
		StatusCode: 403,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: 404,
	}

	ErrRateLimitExceeded = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Rate limit exceeded, please try again later",
		StatusCode: 429,
	}

	ErrValidationFailed = &AppError{
		Code:       "VALIDATION_FAILED",
		Message:    "Request validation failed",
		StatusCode: 422,
	}

	// Usage ledger errors
	ErrNotAuthorized = &AppError{
		Code:       "NOT_AUTHORIZED",
		Message:    "Not authorized to access usage for this practitioner/patient pair",
		StatusCode: 403,
	}

	ErrInvalidTimeRange = &AppError{
		Code:       "INVALID_TIME_RANGE",
		Message:    "from must not be after to",
		StatusCode: 422,
	}

	ErrInvalidPagination = &AppError{
		Code:       "INVALID_PAGINATION",
		Message:    "limit and offset must be non-negative integers",
		StatusCode: 400,
	}

	ErrInvalidDirection = &AppError{
		Code:       "INVALID_DIRECTION",
		Message:    "direction must be practitioner_to_patient or patient_to_practitioner",
		StatusCode: 400,
	}

	ErrMissingParty = &AppError{
		Code:       "MISSING_PARTY",
		Message:    "practitioner and patient are required",
		StatusCode: 400,
	}

	ErrInvalidLedgerEntry = &AppError{
		Code:       "INVALID_LEDGER_ENTRY",
		Message:    "Ledger entry is missing required fields",
		StatusCode: 422,
	}
)

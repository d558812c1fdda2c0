package user

import "errors"

// ValidationError reports a join request that the registry refused.
// Its message is safe to show to the requesting client.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

var (
	ErrMissingFields    = &ValidationError{Reason: "Username and room are required"}
	ErrUsernameInUse    = &ValidationError{Reason: "Username is in use"}
	ErrUsernameReserved = &ValidationError{Reason: "Username is reserved"}
	ErrAlreadyJoined    = &ValidationError{Reason: "Connection already joined"}
)

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

package shared

import "errors"

var (
	// ErrNotFound indicates the entity is missing or not owned by the caller's studio.
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed indicates the operation is not valid in the entity's current state.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrConflict indicates a duplicate write, e.g. a second promo code on one invoice.
	ErrConflict = errors.New("conflict")
	// ErrInternal indicates an external processor call failed.
	ErrInternal = errors.New("internal error")
	// ErrValidation indicates the request payload failed validation.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden indicates the actor may not perform the operation.
	ErrForbidden = errors.New("forbidden")
)

// UserSafeMessage returns a message suitable for showing to end users.
// Internal errors are collapsed to a generic message so processor and
// database details never leak through the API.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInternal):
		return "an internal error occurred, please try again"
	default:
		return err.Error()
	}
}

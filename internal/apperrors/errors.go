package apperrors

import "errors"

var (
	// ErrNoAvailableSlot: no AVAILABLE slot matched the criteria; retry elsewhere or later.
	ErrNoAvailableSlot = errors.New("no available slot")
	// ErrCodeTaken: generated pickup code collides with a non-terminal reservation.
	ErrCodeTaken = errors.New("pickup code already in use")
	// ErrCredentialExhausted: collision retry budget spent; code space or config problem.
	ErrCredentialExhausted = errors.New("credential generation exhausted")
	// ErrInvalidCredential: pickup code/PIN pair matched nothing. Deliberately does not
	// say which of the two was wrong.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrReservationExpired: the credential was valid once but the reservation lapsed.
	ErrReservationExpired = errors.New("reservation expired")
	// ErrInvalidStateTransition: the reservation is not in a state that permits the
	// requested operation (double pickup, double cancel and the like).
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotFound               = errors.New("not found")
	// ErrValidation: malformed request input, rejected before touching storage.
	ErrValidation = errors.New("validation failed")
)

// Domain reports whether err belongs to the engine's error taxonomy, as opposed to a
// storage failure a caller may retry.
func Domain(err error) bool {
	for _, e := range []error{
		ErrNoAvailableSlot,
		ErrCodeTaken,
		ErrCredentialExhausted,
		ErrInvalidCredential,
		ErrReservationExpired,
		ErrInvalidStateTransition,
		ErrNotFound,
		ErrValidation,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

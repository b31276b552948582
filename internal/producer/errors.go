package producer

import (
	"errors"
	"fmt"
)

// Failure kinds raised by producer operations. Callers classify with
// errors.Is; every kind maps to a stable user-facing code via ErrorCode.
var (
	// ErrNotFound is returned when an entity, link or composite-key target
	// does not exist.
	ErrNotFound = errors.New("producer: entity not found")

	// ErrAlreadyExists is returned on a primary or unique-key collision.
	ErrAlreadyExists = errors.New("producer: entity already exists")

	// ErrLinkAlreadyExists is returned on duplicate link registration.
	ErrLinkAlreadyExists = errors.New("producer: link already exists")

	// ErrHasRelated is returned when a delete is refused because dependent
	// data still exists. Deletion is never cascaded.
	ErrHasRelated = errors.New("producer: entity has related data")

	// ErrLinkUpperLimitExceeded is returned when the N:N registration cap
	// is reached.
	ErrLinkUpperLimitExceeded = errors.New("producer: link upper limit exceeded")

	// ErrInvalidMultiplicity is returned when linking two existing
	// entities over an association whose ends are both mandatory.
	ErrInvalidMultiplicity = errors.New("producer: invalid multiplicity")

	// ErrPreconditionFailed is returned on an ETag mismatch for a
	// conditional update or delete.
	ErrPreconditionFailed = errors.New("producer: etag precondition failed")

	// ErrUnresolvedReference is returned when a composite-key segment
	// cannot be resolved to a target entity.
	ErrUnresolvedReference = errors.New("producer: unresolved reference")

	// ErrServer wraps underlying store failures.
	ErrServer = errors.New("producer: store failure")
)

func unresolvedReference(segment string) error {
	return fmt.Errorf("%w: key segment '%s' did not resolve", ErrUnresolvedReference, segment)
}

func serverError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrServer, op, err)
}

// ErrorCode maps a failure to its stable user-facing code. Unknown errors
// map to the server-error code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAlreadyExists):
		return "Conflict.AlreadyExists"
	case errors.Is(err, ErrLinkAlreadyExists):
		return "Conflict.LinkAlreadyExists"
	case errors.Is(err, ErrHasRelated):
		return "Conflict.HasRelated"
	case errors.Is(err, ErrLinkUpperLimitExceeded):
		return "Conflict.LinkUpperLimitExceeded"
	case errors.Is(err, ErrInvalidMultiplicity):
		return "Conflict.InvalidMultiplicity"
	case errors.Is(err, ErrPreconditionFailed):
		return "PreconditionFailed"
	case errors.Is(err, ErrUnresolvedReference):
		return "BadRequest.UnresolvedReference"
	default:
		return "ServerError"
	}
}

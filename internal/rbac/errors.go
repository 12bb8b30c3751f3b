package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a role, permission or override lookup miss.
	ErrNotFound = errors.New("rbac: not found")
	// ErrValidation indicates rejected input.
	ErrValidation = errors.New("rbac: validation failed")
	// ErrDuplicate indicates a name already in use. It matches ErrValidation.
	ErrDuplicate = fmt.Errorf("%w: already exists", ErrValidation)
	// ErrConflict indicates an operation the current state forbids, such as deleting a system role.
	ErrConflict = errors.New("rbac: conflict")
	// ErrStoreFailure wraps errors returned by the underlying store.
	ErrStoreFailure = errors.New("rbac: store failure")
	// ErrResolutionFailure indicates a decision could not be computed. It is never a denial.
	ErrResolutionFailure = errors.New("rbac: resolution failed")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}

func resolutionErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrResolutionFailure, op, err)
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

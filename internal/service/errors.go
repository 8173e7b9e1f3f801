package service

import "errors"

// Sentinel errors returned by service operations. Handlers map these to HTTP
// statuses; anything else is treated as an internal error.
var (
	// ErrUnauthenticated means the request carried no valid credential.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden means a service credential lacks the required role.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound covers both missing records and access denials on user
	// routes, so callers cannot distinguish a hidden project from an absent
	// one.
	ErrNotFound = errors.New("not found")

	// ErrValidation means the request payload failed validation.
	ErrValidation = errors.New("invalid request")

	// ErrWorkerMismatch means a worker reported on a job claimed by another
	// worker, or on a job not in a reportable state.
	ErrWorkerMismatch = errors.New("job not owned by worker")

	// ErrConflict means the operation lost to a concurrent state change.
	ErrConflict = errors.New("conflict")

	// ErrStorageUnavailable wraps object storage failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

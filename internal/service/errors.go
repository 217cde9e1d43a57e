package service

import "errors"

// Sentinel errors shared across the manager, supervisor and API layers.
// Callers match with errors.Is; wrapped messages add the service name.
var (
	// ErrServiceNotFound means the operation referenced an unregistered name.
	ErrServiceNotFound = errors.New("service not found")
	// ErrAlreadyRunning means start was requested for a service whose pid is
	// confirmed alive. Informational: no second process was spawned.
	ErrAlreadyRunning = errors.New("service already running")
	// ErrStartupTimeout means the process did not reach readiness within the
	// startup window and was recorded as failed.
	ErrStartupTimeout = errors.New("service startup timed out")
	// ErrDuplicateService means a name was registered twice.
	ErrDuplicateService = errors.New("duplicate service name")
)

package modplane

import (
	"errors"
)

// Control plane errors shared across packages
var (
	// Module errors
	ErrModuleNotFound      = errors.New("module not found")
	ErrModuleDisabled      = errors.New("module is disabled")
	ErrModuleAlreadyExists = errors.New("module already registered")

	// Event errors
	ErrNoSubjectForEventEmission = errors.New("no subject available for event emission")
	ErrObserverNil               = errors.New("observer is nil")
	ErrObserverIDEmpty           = errors.New("observer id is empty")

	// Shutdown errors
	ErrShutdownTimeout = errors.New("shutdown did not complete before deadline")
)

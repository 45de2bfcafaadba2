package domain

import "errors"

// Sentinel errors surfaced across package boundaries.
var (
	// ErrNotFound covers both a missing session and an owner mismatch;
	// callers cannot distinguish the two.
	ErrNotFound = errors.New("session not found")

	// ErrNotReady means the session exists but has not finished building.
	ErrNotReady = errors.New("session not ready")

	// ErrUnknownSignal rejects signal names outside traces/logs/metrics.
	ErrUnknownSignal = errors.New("unknown signal type")

	// ErrNoInventory means the object store holds no service inventory object.
	ErrNoInventory = errors.New("service inventory not found")
)

package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrStaleStatus reports a conditional update whose status precondition no longer holds.
	ErrStaleStatus = errors.New("stale status")

	ErrDelivery   = errors.New("delivery failed")
	ErrTimeout    = errors.New("delivery timed out")
	ErrEnrichment = errors.New("enrichment failed")
)

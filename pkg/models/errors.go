// Package models contains domain models for substrate.
package models

import "errors"

// Sentinel errors shared by stores, services and the HTTP layer.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInsufficientSparks = errors.New("insufficient sparks")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidInput       = errors.New("invalid input")
)

// ValidationError describes a rejected field. It unwraps to ErrInvalidInput.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

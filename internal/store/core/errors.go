package core

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid")

	// ErrConsumed marks a single-use record that was already consumed.
	// For refresh tokens this is the token-theft signal.
	ErrConsumed = errors.New("already consumed")
	ErrRevoked  = errors.New("revoked")
	ErrExpired  = errors.New("expired")
)

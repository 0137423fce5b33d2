// Package pkg holds small utilities shared across the module.
// This file defines the domain-level sentinel errors.
//
// Errors are compared by identity, never by message text:
//
//	if errors.Is(err, pkg.ErrNotFound) { ... }
//
// Callers add context by wrapping: fmt.Errorf("%w: dm member id is empty", pkg.ErrInvariant).
package pkg

import "errors"

// Domain-level errors.
// The HTTP layer maps them to status codes (see response.go), the feed
// server maps them to error events, and services return them wrapped.
var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrAlreadyExists = errors.New("already exists")
	ErrBadRequest    = errors.New("bad request")
	ErrInternal      = errors.New("internal error")

	// ErrInvariant marks a programming error detected at the call site,
	// e.g. deriving a DM id from an empty member id. It is never a
	// user-facing condition.
	ErrInvariant = errors.New("invariant violation")

	// ErrRateLimited is returned when a user exceeds the write rate.
	ErrRateLimited = errors.New("rate limited")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")

	// ErrUnavailable is returned while the store cannot be reached.
	// Callers may retry later.
	ErrUnavailable = errors.New("unavailable")
)

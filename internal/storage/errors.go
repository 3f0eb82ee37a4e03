package storage

import "errors"

var (
	// ErrAccountNotFound is returned when an account number has no row.
	ErrAccountNotFound = errors.New("account not found")

	// ErrLockNotAvailable is returned when a row lock could not be
	// acquired within the configured lock timeout. Callers treat it as
	// transient contention.
	ErrLockNotAvailable = errors.New("row lock not available")

	// ErrHierarchyNotFound is returned when an account's branch has no
	// complete ownership chain up to a central bank.
	ErrHierarchyNotFound = errors.New("bank hierarchy not found")

	// ErrTransactionNotFound is returned when a settlement reference has
	// no persisted transaction.
	ErrTransactionNotFound = errors.New("transaction not found")
)

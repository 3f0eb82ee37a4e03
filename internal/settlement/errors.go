package settlement

import (
	"errors"
	"fmt"
)

// FailureCode classifies why a settlement was rejected. Codes are part
// of the API and event contract.
type FailureCode string

const (
	FailureSelfTransfer        FailureCode = "SELF_TRANSFER"
	FailureAccountNotFound     FailureCode = "ACCOUNT_NOT_FOUND"
	FailureAccountInactive     FailureCode = "ACCOUNT_INACTIVE"
	FailureFeesExceedAmount    FailureCode = "FEES_EXCEED_AMOUNT"
	FailureInsufficientBalance FailureCode = "INSUFFICIENT_BALANCE"
	FailureSystemContention    FailureCode = "SYSTEM_CONTENTION"
	FailureUnknownBankTier     FailureCode = "UNKNOWN_BANK_TIER"
)

// ErrLockContention marks a transient failure to acquire an account
// lock. It is the only error class the retrier re-attempts; everything
// else is terminal.
var ErrLockContention = errors.New("account lock contention")

// Error is a terminal settlement rejection.
type Error struct {
	Code    FailureCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func rejectf(code FailureCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the failure code from a settlement error chain.
func CodeOf(err error) (FailureCode, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

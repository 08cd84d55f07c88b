package svm

import (
	"errors"
	"fmt"
)

// Execution errors. These are captured in instruction results as data; the
// pipeline never surfaces them as faults.
var (
	// ErrComputeExceeded is returned when compute units are exhausted.
	ErrComputeExceeded = errors.New("compute budget exceeded")

	// ErrUnsupportedProgram is returned when the target program has no
	// cache entry.
	ErrUnsupportedProgram = errors.New("unsupported program id")

	// ErrNotEnoughAccountKeys is returned when an instruction references
	// more accounts than were supplied.
	ErrNotEnoughAccountKeys = errors.New("not enough account keys")

	// ErrMissingRequiredSignature is returned when a required signer
	// did not sign.
	ErrMissingRequiredSignature = errors.New("missing required signature")

	// ErrAccountNotWritable is returned on a write to a read-only account.
	ErrAccountNotWritable = errors.New("account not writable")

	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrArithmeticOverflow is returned when a balance would overflow.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")

	// ErrInvalidInstructionData is returned for malformed instruction data.
	ErrInvalidInstructionData = errors.New("invalid instruction data")

	// ErrInvalidAccountOwner is returned when account ownership forbids
	// the requested mutation.
	ErrInvalidAccountOwner = errors.New("invalid account owner")

	// ErrAccountDataTooLarge is returned when account data would exceed
	// the size limit.
	ErrAccountDataTooLarge = errors.New("account data size exceeded")

	// ErrAccountAlreadyInUse is returned when creating over a live account.
	ErrAccountAlreadyInUse = errors.New("account already in use")
)

// CustomError is a program-reported error code: the nonzero value a program
// leaves in r0, or the code a native program returns explicitly.
type CustomError uint64

// Error implements the error interface.
func (e CustomError) Error() string {
	return fmt.Sprintf("custom program error: 0x%x", uint64(e))
}

// ErrorCode extracts the custom code from an execution error, if any.
func ErrorCode(err error) (uint64, bool) {
	var custom CustomError
	if errors.As(err, &custom) {
		return uint64(custom), true
	}
	return 0, false
}

package harness

import (
	"encoding/binary"

	"github.com/fortiblox/X1-Harness/internal/types"
	"github.com/fortiblox/X1-Harness/pkg/svm"
	"github.com/zeebo/blake3"
)

// ProgramResult is the outcome of one program execution, captured as data.
// A nil Err means the program succeeded.
type ProgramResult struct {
	Err error
}

// Success reports whether the program completed without error.
func (r ProgramResult) Success() bool { return r.Err == nil }

// ErrorCode extracts the custom program error code, if the failure carries
// one.
func (r ProgramResult) ErrorCode() (uint64, bool) {
	return svm.ErrorCode(r.Err)
}

// InstructionResult is everything observable about one processed
// instruction.
type InstructionResult struct {
	// ComputeUnitsConsumed is the compute spent by the invocation.
	ComputeUnitsConsumed uint64

	// ExecutionTime is wall-clock execution time in microseconds.
	ExecutionTime uint64

	// ProgramResult is the program's success or typed failure.
	ProgramResult ProgramResult

	// ResultingAccounts are the post-execution account states, with the
	// same length and order as the caller's input accounts.
	ResultingAccounts []KeyedAccount

	// Logs are the program log lines emitted during execution.
	Logs []string

	// ReturnData is the program's return data, if it set any.
	ReturnData []byte
}

// GetAccount returns the resulting account with the given key.
func (r *InstructionResult) GetAccount(key types.Pubkey) (Account, bool) {
	for _, ka := range r.ResultingAccounts {
		if ka.Key == key {
			return ka.Account, true
		}
	}
	return Account{}, false
}

// AccountsDigest hashes the resulting accounts into a single blake3 digest.
// Two results with identical account states produce identical digests, so a
// test can pin an entire end state with one comparison.
func (r *InstructionResult) AccountsDigest() types.Hash {
	h := blake3.New()
	var scratch [8]byte

	for _, ka := range r.ResultingAccounts {
		h.Write(ka.Key[:])
		binary.LittleEndian.PutUint64(scratch[:], ka.Account.Lamports)
		h.Write(scratch[:])
		h.Write(ka.Account.Owner[:])
		binary.LittleEndian.PutUint64(scratch[:], uint64(len(ka.Account.Data)))
		h.Write(scratch[:])
		h.Write(ka.Account.Data)
		h.Write([]byte{boolByte(ka.Account.Executable)})
	}

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Package harness executes single program instructions against an isolated
// in-memory SVM environment and lets tests assert on the outcome.
//
// A Harness bundles a program cache, compute budget, feature set, and a
// sysvar snapshot. Tests feed it an Instruction plus the accounts it touches
// and receive an InstructionResult holding the post-execution account states,
// compute usage, logs, and return data. Nothing persists between calls
// beyond what the caller passes back in.
package harness

import "github.com/fortiblox/X1-Harness/internal/types"

// Account is one unit of chain state: balance, data, and owning program.
type Account struct {
	// Lamports is the account balance.
	Lamports uint64

	// Data is the raw account data.
	Data []byte

	// Owner is the program that owns this account.
	Owner types.Pubkey

	// Executable indicates a program account.
	Executable bool

	// RentEpoch is the next epoch rent is due.
	RentEpoch uint64
}

// Clone returns a deep copy. The pipeline clones every caller account before
// execution; caller-owned accounts are never mutated.
func (a Account) Clone() Account {
	out := a
	if a.Data != nil {
		out.Data = make([]byte, len(a.Data))
		copy(out.Data, a.Data)
	}
	return out
}

// KeyedAccount pairs an account with its address. ProcessInstruction takes
// and returns accounts in this form, preserving order.
type KeyedAccount struct {
	Key     types.Pubkey
	Account Account
}

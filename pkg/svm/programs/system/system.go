// Package system implements the native system program: account creation,
// lamport transfers, owner assignment, and space allocation.
package system

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/X1-Harness/internal/types"
	"github.com/fortiblox/X1-Harness/pkg/svm"
)

// ProgramID is the system program address (all zeros).
var ProgramID = types.Pubkey{}

// Instruction discriminants, encoded as little-endian u32.
const (
	InstructionCreateAccount = iota
	InstructionAssign
	InstructionTransfer
	InstructionCreateAccountWithSeed
	InstructionAdvanceNonceAccount
	InstructionWithdrawNonceAccount
	InstructionInitializeNonceAccount
	InstructionAuthorizeNonceAccount
	InstructionAllocate
)

// MaxAccountDataSize caps allocations, matching the runtime-wide limit.
const MaxAccountDataSize = 10 * 1024 * 1024

// BorrowedAccount is an account as seen by a native program: the fields it
// may mutate, plus the privileges the caller granted.
type BorrowedAccount struct {
	Key        types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	Data       []byte
	Executable bool
	IsSigner   bool
	IsWritable bool
}

// InvokeContext is the runtime surface the system program executes against.
type InvokeContext interface {
	// InstructionAccount returns the account at the given instruction index.
	InstructionAccount(index int) (*BorrowedAccount, error)

	// RentMinimum returns the rent-exempt minimum for a data length.
	RentMinimum(dataLen uint64) uint64

	// Log records a program log line.
	Log(msg string)
}

// Execute runs one system program instruction against ctx.
func Execute(ctx InvokeContext, data []byte) error {
	if len(data) < 4 {
		return svm.ErrInvalidInstructionData
	}

	switch binary.LittleEndian.Uint32(data[:4]) {
	case InstructionCreateAccount:
		return createAccount(ctx, data[4:])
	case InstructionAssign:
		return assign(ctx, data[4:])
	case InstructionTransfer:
		return transfer(ctx, data[4:])
	case InstructionAllocate:
		return allocate(ctx, data[4:])
	default:
		return svm.ErrInvalidInstructionData
	}
}

// createAccount funds, sizes, and assigns a brand new account.
// Accounts: [0] funder (signer, writable), [1] new account (signer, writable).
func createAccount(ctx InvokeContext, data []byte) error {
	if len(data) < 48 {
		return svm.ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])
	space := binary.LittleEndian.Uint64(data[8:16])
	var owner types.Pubkey
	copy(owner[:], data[16:48])

	if space > MaxAccountDataSize {
		return svm.ErrAccountDataTooLarge
	}

	funder, err := ctx.InstructionAccount(0)
	if err != nil {
		return err
	}
	account, err := ctx.InstructionAccount(1)
	if err != nil {
		return err
	}

	if !funder.IsSigner || !account.IsSigner {
		return svm.ErrMissingRequiredSignature
	}
	if !funder.IsWritable || !account.IsWritable {
		return svm.ErrAccountNotWritable
	}
	if account.Owner != ProgramID || len(account.Data) > 0 || account.Lamports > 0 {
		ctx.Log(fmt.Sprintf("Create Account: account %s already in use", account.Key))
		return svm.ErrAccountAlreadyInUse
	}
	if funder.Lamports < lamports {
		return svm.ErrInsufficientFunds
	}

	funder.Lamports -= lamports
	account.Lamports = lamports
	account.Data = make([]byte, space)
	account.Owner = owner
	return nil
}

// assign changes the owner of a system-owned account.
// Accounts: [0] account (signer, writable).
func assign(ctx InvokeContext, data []byte) error {
	if len(data) < 32 {
		return svm.ErrInvalidInstructionData
	}
	var owner types.Pubkey
	copy(owner[:], data[0:32])

	account, err := ctx.InstructionAccount(0)
	if err != nil {
		return err
	}

	if !account.IsSigner {
		return svm.ErrMissingRequiredSignature
	}
	if account.Owner != ProgramID {
		return svm.ErrInvalidAccountOwner
	}

	account.Owner = owner
	return nil
}

// transfer moves lamports between two accounts.
// Accounts: [0] source (signer, writable), [1] destination (writable).
func transfer(ctx InvokeContext, data []byte) error {
	if len(data) < 8 {
		return svm.ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])

	from, err := ctx.InstructionAccount(0)
	if err != nil {
		return err
	}
	to, err := ctx.InstructionAccount(1)
	if err != nil {
		return err
	}

	if !from.IsSigner {
		return svm.ErrMissingRequiredSignature
	}
	if !from.IsWritable || !to.IsWritable {
		return svm.ErrAccountNotWritable
	}
	if len(from.Data) > 0 {
		// Only data-free accounts can be debited by transfer.
		return svm.ErrInvalidInstructionData
	}
	if from.Lamports < lamports {
		ctx.Log(fmt.Sprintf("Transfer: insufficient lamports %d, need %d", from.Lamports, lamports))
		return svm.ErrInsufficientFunds
	}
	if to.Lamports > ^uint64(0)-lamports {
		return svm.ErrArithmeticOverflow
	}

	from.Lamports -= lamports
	to.Lamports += lamports
	return nil
}

// allocate grows a system-owned account's data to the requested size.
// Accounts: [0] account (signer, writable).
func allocate(ctx InvokeContext, data []byte) error {
	if len(data) < 8 {
		return svm.ErrInvalidInstructionData
	}
	space := binary.LittleEndian.Uint64(data[0:8])

	if space > MaxAccountDataSize {
		return svm.ErrAccountDataTooLarge
	}

	account, err := ctx.InstructionAccount(0)
	if err != nil {
		return err
	}

	if !account.IsSigner {
		return svm.ErrMissingRequiredSignature
	}
	if account.Owner != ProgramID || len(account.Data) > 0 {
		return svm.ErrAccountAlreadyInUse
	}

	account.Data = make([]byte, space)
	return nil
}

// Encoding helpers used by tests and callers building instruction data.

// NewCreateAccountData encodes a CreateAccount instruction payload.
func NewCreateAccountData(lamports, space uint64, owner types.Pubkey) []byte {
	data := make([]byte, 52)
	binary.LittleEndian.PutUint32(data[0:4], InstructionCreateAccount)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	binary.LittleEndian.PutUint64(data[12:20], space)
	copy(data[20:52], owner[:])
	return data
}

// NewAssignData encodes an Assign instruction payload.
func NewAssignData(owner types.Pubkey) []byte {
	data := make([]byte, 36)
	binary.LittleEndian.PutUint32(data[0:4], InstructionAssign)
	copy(data[4:36], owner[:])
	return data
}

// NewTransferData encodes a Transfer instruction payload.
func NewTransferData(lamports uint64) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], InstructionTransfer)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return data
}

// NewAllocateData encodes an Allocate instruction payload.
func NewAllocateData(space uint64) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], InstructionAllocate)
	binary.LittleEndian.PutUint64(data[4:12], space)
	return data
}

package harness

import (
	"github.com/fortiblox/X1-Harness/internal/types"
)

// AccountMeta names an account an instruction touches and the privileges
// the caller grants it.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction describes one program invocation: the target program, its
// serialized data, and the ordered account metas.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// NewInstruction builds an Instruction.
func NewInstruction(programID types.Pubkey, data []byte, accounts ...AccountMeta) Instruction {
	return Instruction{ProgramID: programID, Accounts: accounts, Data: data}
}

// InstructionAccount maps one instruction-level account position into the
// transaction account table. IndexInCaller and IndexInCallee are both the
// zero-based position within the instruction's own account list; the
// transaction index is shifted by the program account occupying slot 0.
type InstructionAccount struct {
	IndexInTransaction uint16
	IndexInCaller      uint16
	IndexInCallee      uint16
	IsSigner           bool
	IsWritable         bool
}

// executionContext is the transaction-scoped state for exactly one call.
// It is built fresh per Process call and never shared.
type executionContext struct {
	programID types.Pubkey

	// programIndices is always [0]: a single top-level invocation with the
	// program account prepended to the table.
	programIndices []uint16

	// accountKeys and accounts form the linear transaction table. Index 0
	// is the program account; 1..N are clones of the caller accounts in
	// caller order.
	accountKeys []types.Pubkey
	accounts    []*Account

	instructionAccounts []InstructionAccount
	data                []byte
}

// buildContext assembles the execution context for an instruction. Pure:
// identical inputs produce an identical context, and the caller's accounts
// are cloned, never aliased.
func (h *Harness) buildContext(ix Instruction, accounts []KeyedAccount) *executionContext {
	programAccount := h.resolveProgramAccount(ix.ProgramID)

	ctx := &executionContext{
		programID:      ix.ProgramID,
		programIndices: []uint16{0},
		accountKeys:    make([]types.Pubkey, 0, len(accounts)+1),
		accounts:       make([]*Account, 0, len(accounts)+1),
		data:           ix.Data,
	}

	ctx.accountKeys = append(ctx.accountKeys, ix.ProgramID)
	ctx.accounts = append(ctx.accounts, &programAccount)

	for _, ka := range accounts {
		clone := ka.Account.Clone()
		ctx.accountKeys = append(ctx.accountKeys, ka.Key)
		ctx.accounts = append(ctx.accounts, &clone)
	}

	ctx.instructionAccounts = make([]InstructionAccount, len(ix.Accounts))
	for i, meta := range ix.Accounts {
		ctx.instructionAccounts[i] = InstructionAccount{
			IndexInTransaction: uint16(i) + 1,
			IndexInCaller:      uint16(i),
			IndexInCallee:      uint16(i),
			IsSigner:           meta.IsSigner,
			IsWritable:         meta.IsWritable,
		}
	}

	return ctx
}

// resolveProgramAccount produces the account occupying transaction slot 0.
// The harness's configured program account is used when the target matches;
// anything else gets a synthesized executable shell so unregistered targets
// fail in the VM dispatch, not during context construction.
func (h *Harness) resolveProgramAccount(programID types.Pubkey) Account {
	if programID == h.ProgramID {
		return h.ProgramAccount.Clone()
	}
	if entry, ok := h.cache.Lookup(programID); ok {
		if entry.IsBuiltin() {
			return BuiltinProgramAccount(entry.Name)
		}
		return Account{Lamports: 1, Owner: entry.LoaderID, Executable: true}
	}
	return Account{Executable: true}
}

// instructionAccount returns the transaction account backing instruction
// position i, honoring the index mapping.
func (ctx *executionContext) instructionAccount(i int) (*Account, types.Pubkey) {
	ia := ctx.instructionAccounts[i]
	return ctx.accounts[ia.IndexInTransaction], ctx.accountKeys[ia.IndexInTransaction]
}

// deconstruct tears the context back down into caller order: the program
// account prefix is stripped and the remaining clones are zipped against
// the original keys. Output length and order always match the input.
func (ctx *executionContext) deconstruct() []KeyedAccount {
	out := make([]KeyedAccount, len(ctx.accounts)-1)
	for i := 1; i < len(ctx.accounts); i++ {
		out[i-1] = KeyedAccount{Key: ctx.accountKeys[i], Account: *ctx.accounts[i]}
	}
	return out
}

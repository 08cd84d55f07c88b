package harness

import (
	"encoding/binary"

	"github.com/fortiblox/X1-Harness/internal/types"
	"github.com/fortiblox/X1-Harness/pkg/svm/programs/system"
)

// Well-known program identities.
var (
	// SystemProgramID is the native system program address.
	SystemProgramID = system.ProgramID

	// NativeLoaderID owns builtin program accounts.
	NativeLoaderID = types.MustPubkeyFromBase58("NativeLoader1111111111111111111111111111111")

	// BPFLoaderID is the non-upgradeable BPF loader.
	BPFLoaderID = types.MustPubkeyFromBase58("BPFLoader2111111111111111111111111111111111")

	// BPFLoaderUpgradeableID is the upgradeable BPF loader.
	BPFLoaderUpgradeableID = types.MustPubkeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")
)

// Upgradeable loader account state discriminants.
const (
	upgradeableStateProgram     = 2
	upgradeableStateProgramData = 3

	// programDataMetadataSize is the programdata header: discriminant u32,
	// deployment slot u64, option tag + authority pubkey.
	programDataMetadataSize = 4 + 8 + 1 + 32
)

// ProgramAccount builds the account shape for a program deployed under a
// non-upgradeable loader: the ELF lives directly in the account data.
func ProgramAccount(loaderID types.Pubkey, elf []byte) Account {
	rent := DefaultSysvars().Rent
	return Account{
		Lamports:   rent.MinimumBalance(uint64(len(elf))),
		Data:       append([]byte(nil), elf...),
		Owner:      loaderID,
		Executable: true,
	}
}

// BuiltinProgramAccount builds the account shape of a natively implemented
// program: name bytes under the native loader.
func BuiltinProgramAccount(name string) Account {
	return Account{
		Lamports:   1,
		Data:       []byte(name),
		Owner:      NativeLoaderID,
		Executable: true,
	}
}

// ProgramDataAddress derives the canonical programdata address for an
// upgradeable program.
func ProgramDataAddress(programID types.Pubkey) types.Pubkey {
	seed := make([]byte, 0, 64+len("ProgramData"))
	seed = append(seed, programID[:]...)
	seed = append(seed, BPFLoaderUpgradeableID[:]...)
	seed = append(seed, "ProgramData"...)
	return types.Pubkey(types.ComputeHash(seed))
}

// UpgradeableProgramAccounts builds the program/programdata account pair an
// upgradeable deployment produces: a small program account pointing at a
// programdata account that carries the metadata header plus the ELF.
func UpgradeableProgramAccounts(programID types.Pubkey, elf []byte) []KeyedAccount {
	rent := DefaultSysvars().Rent
	programDataID := ProgramDataAddress(programID)

	programData := make([]byte, programDataMetadataSize+len(elf))
	binary.LittleEndian.PutUint32(programData[0:4], upgradeableStateProgramData)
	// deployment slot left zero; no upgrade authority
	copy(programData[programDataMetadataSize:], elf)

	program := make([]byte, 4+32)
	binary.LittleEndian.PutUint32(program[0:4], upgradeableStateProgram)
	copy(program[4:], programDataID[:])

	return []KeyedAccount{
		{
			Key: programID,
			Account: Account{
				Lamports:   rent.MinimumBalance(uint64(len(program))),
				Data:       program,
				Owner:      BPFLoaderUpgradeableID,
				Executable: true,
			},
		},
		{
			Key: programDataID,
			Account: Account{
				Lamports: rent.MinimumBalance(uint64(len(programData))),
				Data:     programData,
				Owner:    BPFLoaderUpgradeableID,
			},
		},
	}
}

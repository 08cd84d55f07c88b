package harness

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/fortiblox/X1-Harness/internal/types"
	"github.com/fortiblox/X1-Harness/pkg/svm"
	"github.com/fortiblox/X1-Harness/pkg/svm/programs/system"
	"github.com/fortiblox/X1-Harness/pkg/svm/sbpf"
)

// buildTestELF assembles a minimal sBPF shared object around the given
// text slots: null section, .text, .shstrtab.
func buildTestELF(text []uint64) []byte {
	shstrtab := []byte("\x00.text\x00.shstrtab\x00")
	textOff := 64 + 3*64
	strOff := textOff + len(text)*8

	buf := make([]byte, strOff+len(shstrtab))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELF64
	buf[5] = 1 // little-endian
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:18], 3)   // ET_DYN
	binary.LittleEndian.PutUint16(buf[18:20], 263) // sBPF
	binary.LittleEndian.PutUint64(buf[40:48], 64)  // shoff
	binary.LittleEndian.PutUint16(buf[58:60], 64)  // shentsize
	binary.LittleEndian.PutUint16(buf[60:62], 3)   // shnum
	binary.LittleEndian.PutUint16(buf[62:64], 2)   // shstrndx

	section := func(idx int, name, typ uint32, off, size uint64) {
		b := buf[64+idx*64:]
		binary.LittleEndian.PutUint32(b[0:4], name)
		binary.LittleEndian.PutUint32(b[4:8], typ)
		binary.LittleEndian.PutUint64(b[24:32], off)
		binary.LittleEndian.PutUint64(b[32:40], size)
	}
	section(1, 1, 1, uint64(textOff), uint64(len(text)*8))  // .text, SHT_PROGBITS
	section(2, 7, 3, uint64(strOff), uint64(len(shstrtab))) // .shstrtab, SHT_STRTAB

	for i, slot := range text {
		binary.LittleEndian.PutUint64(buf[textOff+i*8:], slot)
	}
	copy(buf[strOff:], shstrtab)
	return buf
}

func transferInstruction(from, to types.Pubkey, lamports uint64) Instruction {
	return NewInstruction(SystemProgramID, system.NewTransferData(lamports),
		AccountMeta{Pubkey: from, IsSigner: true, IsWritable: true},
		AccountMeta{Pubkey: to, IsWritable: true},
	)
}

func TestProcessTransfer(t *testing.T) {
	h := New()
	from := types.UniquePubkey()
	to := types.UniquePubkey()

	accounts := []KeyedAccount{
		{Key: from, Account: Account{Lamports: 1_000_000}},
		{Key: to, Account: Account{Lamports: 500}},
	}

	result := h.ProcessInstruction(transferInstruction(from, to, 400_000), accounts)

	if !result.ProgramResult.Success() {
		t.Fatalf("transfer failed: %v", result.ProgramResult.Err)
	}
	if result.ComputeUnitsConsumed == 0 {
		t.Error("compute units consumed = 0")
	}

	fromAfter, _ := result.GetAccount(from)
	toAfter, _ := result.GetAccount(to)
	if fromAfter.Lamports != 600_000 {
		t.Errorf("source lamports = %d, want 600000", fromAfter.Lamports)
	}
	if toAfter.Lamports != 400_500 {
		t.Errorf("destination lamports = %d, want 400500", toAfter.Lamports)
	}

	// Caller-owned inputs are never mutated.
	if accounts[0].Account.Lamports != 1_000_000 || accounts[1].Account.Lamports != 500 {
		t.Error("caller accounts were mutated")
	}
}

func TestProcessInsufficientFunds(t *testing.T) {
	h := New()
	from := types.UniquePubkey()
	to := types.UniquePubkey()

	accounts := []KeyedAccount{
		{Key: from, Account: Account{Lamports: 100}},
		{Key: to, Account: Account{}},
	}

	result := h.ProcessInstruction(transferInstruction(from, to, 5000), accounts)

	if !errors.Is(result.ProgramResult.Err, svm.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", result.ProgramResult.Err)
	}

	// Balances unchanged on failure.
	fromAfter, _ := result.GetAccount(from)
	toAfter, _ := result.GetAccount(to)
	if fromAfter.Lamports != 100 || toAfter.Lamports != 0 {
		t.Errorf("balances changed on failure: %d, %d", fromAfter.Lamports, toAfter.Lamports)
	}
}

func TestProcessPreservesAccountOrder(t *testing.T) {
	h := New()

	keys := make([]types.Pubkey, 5)
	accounts := make([]KeyedAccount, 5)
	metas := make([]AccountMeta, 5)
	for i := range keys {
		keys[i] = types.UniquePubkey()
		accounts[i] = KeyedAccount{Key: keys[i], Account: Account{Lamports: uint64(i)}}
		metas[i] = AccountMeta{Pubkey: keys[i], IsWritable: true}
	}
	metas[0].IsSigner = true

	ix := NewInstruction(SystemProgramID, system.NewTransferData(0), metas...)
	result := h.ProcessInstruction(ix, accounts)

	if len(result.ResultingAccounts) != len(accounts) {
		t.Fatalf("resulting accounts = %d, want %d", len(result.ResultingAccounts), len(accounts))
	}
	for i, ka := range result.ResultingAccounts {
		if ka.Key != keys[i] {
			t.Errorf("account %d key = %s, want %s", i, ka.Key, keys[i])
		}
	}
}

func TestProcessIdempotent(t *testing.T) {
	h := New()
	from := types.UniquePubkey()
	to := types.UniquePubkey()

	accounts := []KeyedAccount{
		{Key: from, Account: Account{Lamports: 1000}},
		{Key: to, Account: Account{}},
	}
	ix := transferInstruction(from, to, 250)

	r1 := h.ProcessInstruction(ix, accounts)
	r2 := h.ProcessInstruction(ix, accounts)

	if r1.ProgramResult.Success() != r2.ProgramResult.Success() {
		t.Error("program results differ between identical calls")
	}
	if r1.AccountsDigest() != r2.AccountsDigest() {
		t.Error("resulting accounts differ between identical calls")
	}
	if r1.ComputeUnitsConsumed != r2.ComputeUnitsConsumed {
		t.Errorf("compute units differ: %d vs %d", r1.ComputeUnitsConsumed, r2.ComputeUnitsConsumed)
	}
}

func TestProcessUnregisteredProgram(t *testing.T) {
	h := New()
	bogus := types.UniquePubkey()

	result := h.ProcessInstruction(NewInstruction(bogus, nil), nil)
	if !errors.Is(result.ProgramResult.Err, svm.ErrUnsupportedProgram) {
		t.Errorf("err = %v, want ErrUnsupportedProgram", result.ProgramResult.Err)
	}
}

func TestProcessCreateAccount(t *testing.T) {
	h := New()
	funder := types.UniquePubkey()
	fresh := types.UniquePubkey()
	owner := types.UniquePubkey()

	accounts := []KeyedAccount{
		{Key: funder, Account: Account{Lamports: 10_000_000}},
		{Key: fresh, Account: Account{}},
	}
	ix := NewInstruction(SystemProgramID, system.NewCreateAccountData(1_000_000, 128, owner),
		AccountMeta{Pubkey: funder, IsSigner: true, IsWritable: true},
		AccountMeta{Pubkey: fresh, IsSigner: true, IsWritable: true},
	)

	h.ProcessAndValidateInstruction(ix, accounts, []Check{
		CheckSuccess(),
		CheckAccountLamports(funder, 9_000_000),
		CheckAccountLamports(fresh, 1_000_000),
		CheckAccountOwner(fresh, owner),
		CheckAccountData(fresh, make([]byte, 128)),
		CheckAccountPredicate(fresh, "not executable", func(a Account) bool { return !a.Executable }),
	})
}

func TestProcessBPFProgram(t *testing.T) {
	h := New()
	programID := types.UniquePubkey()

	// mov64 r0, 0; exit
	elf := buildTestELF([]uint64{
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	})
	if err := h.AddProgram(programID, elf); err != nil {
		t.Fatalf("AddProgram: %v", err)
	}

	result := h.ProcessInstruction(NewInstruction(programID, nil), nil)
	if !result.ProgramResult.Success() {
		t.Fatalf("execution failed: %v", result.ProgramResult.Err)
	}
	if want := svm.CUBPFLoaderDefault + 2; result.ComputeUnitsConsumed != want {
		t.Errorf("compute units = %d, want %d", result.ComputeUnitsConsumed, want)
	}
}

func TestProcessBPFCustomError(t *testing.T) {
	h := New()
	programID := types.UniquePubkey()

	// mov64 r0, 42; exit
	elf := buildTestELF([]uint64{
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 42),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	})
	if err := h.AddProgram(programID, elf); err != nil {
		t.Fatalf("AddProgram: %v", err)
	}

	result := h.ProcessInstruction(NewInstruction(programID, nil), nil)
	code, ok := result.ProgramResult.ErrorCode()
	if !ok || code != 42 {
		t.Errorf("error code = %d (%v), want 42", code, ok)
	}
}

func TestProcessBPFWritesAccountData(t *testing.T) {
	h := New()
	programID := types.UniquePubkey()
	target := types.UniquePubkey()

	// The first account's data region starts 96 bytes into the input:
	// 8 (count) + 88 (account header through data_len).
	dataVaddr := sbpf.VaddrInput + 96
	elf := buildTestELF([]uint64{
		sbpf.Encode(sbpf.OpLddw, 1, 0, 0, int32(uint32(dataVaddr))),
		sbpf.Encode(0, 0, 0, 0, int32(uint32(dataVaddr>>32))),
		sbpf.Encode(sbpf.OpStdw, 1, 0, 0, 7),
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	})
	if err := h.AddProgram(programID, elf); err != nil {
		t.Fatalf("AddProgram: %v", err)
	}

	accounts := []KeyedAccount{
		{Key: target, Account: Account{Data: make([]byte, 8)}},
	}
	ix := NewInstruction(programID, nil, AccountMeta{Pubkey: target, IsWritable: true})

	result := h.ProcessInstruction(ix, accounts)
	if !result.ProgramResult.Success() {
		t.Fatalf("execution failed: %v", result.ProgramResult.Err)
	}

	after, _ := result.GetAccount(target)
	want := make([]byte, 8)
	want[0] = 7
	if !bytes.Equal(after.Data, want) {
		t.Errorf("account data = %x, want %x", after.Data, want)
	}
	if !bytes.Equal(accounts[0].Account.Data, make([]byte, 8)) {
		t.Error("caller account data was mutated")
	}
}

func TestProcessBPFDataGrowthLeavesAccountsUnchanged(t *testing.T) {
	h := New()
	programID := types.UniquePubkey()
	first := types.UniquePubkey()
	second := types.UniquePubkey()

	// Account 0 carries no data, so its lamports field sits at input offset
	// 80 and account 1's data length field at 184. The program bumps the
	// first and then grows the second past its serialized size; neither
	// mutation may survive the failed execution.
	lamportsVaddr := sbpf.VaddrInput + 80
	dataLenVaddr := sbpf.VaddrInput + 184
	elf := buildTestELF([]uint64{
		sbpf.Encode(sbpf.OpLddw, 1, 0, 0, int32(uint32(lamportsVaddr))),
		sbpf.Encode(0, 0, 0, 0, int32(uint32(lamportsVaddr>>32))),
		sbpf.Encode(sbpf.OpStdw, 1, 0, 0, 999),
		sbpf.Encode(sbpf.OpLddw, 1, 0, 0, int32(uint32(dataLenVaddr))),
		sbpf.Encode(0, 0, 0, 0, int32(uint32(dataLenVaddr>>32))),
		sbpf.Encode(sbpf.OpStdw, 1, 0, 0, 100),
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	})
	if err := h.AddProgram(programID, elf); err != nil {
		t.Fatalf("AddProgram: %v", err)
	}

	accounts := []KeyedAccount{
		{Key: first, Account: Account{Lamports: 1}},
		{Key: second, Account: Account{Lamports: 2, Data: make([]byte, 8)}},
	}
	ix := NewInstruction(programID, nil,
		AccountMeta{Pubkey: first, IsWritable: true},
		AccountMeta{Pubkey: second, IsWritable: true},
	)

	result := h.ProcessInstruction(ix, accounts)
	if !errors.Is(result.ProgramResult.Err, svm.ErrAccountDataTooLarge) {
		t.Fatalf("err = %v, want ErrAccountDataTooLarge", result.ProgramResult.Err)
	}

	firstAfter, _ := result.GetAccount(first)
	secondAfter, _ := result.GetAccount(second)
	if firstAfter.Lamports != 1 {
		t.Errorf("first account lamports = %d, want 1", firstAfter.Lamports)
	}
	if secondAfter.Lamports != 2 || len(secondAfter.Data) != 8 {
		t.Errorf("second account changed: lamports %d, data %d bytes",
			secondAfter.Lamports, len(secondAfter.Data))
	}
}

func TestProcessAndValidatePanicsOnFailingCheck(t *testing.T) {
	h := New()
	from := types.UniquePubkey()
	to := types.UniquePubkey()

	accounts := []KeyedAccount{
		{Key: from, Account: Account{Lamports: 1000}},
		{Key: to, Account: Account{}},
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic")
		}
		report := r.(error).Error()
		if !strings.Contains(report, "check 1") {
			t.Errorf("report does not name failing check: %s", report)
		}
		if strings.Contains(report, "check 0") {
			t.Errorf("report names passing check: %s", report)
		}
	}()

	h.ProcessAndValidateInstruction(transferInstruction(from, to, 100), accounts, []Check{
		CheckSuccess(),                 // passes
		CheckAccountLamports(to, 9999), // fails
	})
}

func TestCacheCountsInvocations(t *testing.T) {
	h := New()
	from := types.UniquePubkey()
	to := types.UniquePubkey()

	accounts := []KeyedAccount{
		{Key: from, Account: Account{Lamports: 1000}},
		{Key: to, Account: Account{}},
	}
	ix := transferInstruction(from, to, 1)

	h.ProcessInstruction(ix, accounts)
	h.ProcessInstruction(ix, accounts)

	entry, ok := h.Cache().Lookup(SystemProgramID)
	if !ok {
		t.Fatal("system program not in cache")
	}
	if entry.Invocations() != 2 {
		t.Errorf("invocations = %d, want 2", entry.Invocations())
	}
}

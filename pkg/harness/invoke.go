package harness

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/X1-Harness/internal/types"
	"github.com/fortiblox/X1-Harness/pkg/svm"
	"github.com/fortiblox/X1-Harness/pkg/svm/programs/system"
	"github.com/fortiblox/X1-Harness/pkg/svm/sbpf"
	"github.com/fortiblox/X1-Harness/pkg/svm/syscall"
)

// MaxInstructionDataSize caps the serialized instruction payload.
const MaxInstructionDataSize = 10 * 1024

// invocation collects the observable output of one program execution and
// serves as the syscall context for BPF programs.
type invocation struct {
	programID  types.Pubkey
	logs       []string
	returnData []byte
	returnProg [32]byte
}

func (v *invocation) Log(msg string) {
	v.logs = append(v.logs, msg)
}

func (v *invocation) LogData(data [][]byte) {
	for _, d := range data {
		v.logs = append(v.logs, fmt.Sprintf("Program data: %x", d))
	}
}

func (v *invocation) SetReturnData(programID [32]byte, data []byte) error {
	v.returnData = make([]byte, len(data))
	copy(v.returnData, data)
	v.returnProg = programID
	return nil
}

func (v *invocation) GetReturnData() ([32]byte, []byte) {
	return v.returnProg, v.returnData
}

func (v *invocation) ProgramID() [32]byte {
	return [32]byte(v.programID)
}

// NativeInvocation is the runtime surface handed to builtin entrypoints.
// It implements system.InvokeContext; account mutations are staged in
// borrowed views and written back only if the entrypoint succeeds.
type NativeInvocation struct {
	*invocation
	ctx      *executionContext
	rent     Rent
	borrowed map[int]*system.BorrowedAccount
}

func newNativeInvocation(inv *invocation, ctx *executionContext, rent Rent) *NativeInvocation {
	return &NativeInvocation{
		invocation: inv,
		ctx:        ctx,
		rent:       rent,
		borrowed:   make(map[int]*system.BorrowedAccount),
	}
}

// InstructionAccount borrows the account at an instruction position.
// Repeat borrows of the same position share one view.
func (inv *NativeInvocation) InstructionAccount(index int) (*system.BorrowedAccount, error) {
	if index < 0 || index >= len(inv.ctx.instructionAccounts) {
		return nil, svm.ErrNotEnoughAccountKeys
	}
	if b, ok := inv.borrowed[index]; ok {
		return b, nil
	}

	ia := inv.ctx.instructionAccounts[index]
	acc, key := inv.ctx.instructionAccount(index)
	b := &system.BorrowedAccount{
		Key:        key,
		Owner:      acc.Owner,
		Lamports:   acc.Lamports,
		Data:       append([]byte(nil), acc.Data...),
		Executable: acc.Executable,
		IsSigner:   ia.IsSigner,
		IsWritable: ia.IsWritable,
	}
	inv.borrowed[index] = b
	return b, nil
}

// RentMinimum implements system.InvokeContext.
func (inv *NativeInvocation) RentMinimum(dataLen uint64) uint64 {
	return inv.rent.MinimumBalance(dataLen)
}

// commit writes staged borrow mutations back into the execution context.
func (inv *NativeInvocation) commit() {
	for index, b := range inv.borrowed {
		acc, _ := inv.ctx.instructionAccount(index)
		acc.Lamports = b.Lamports
		acc.Owner = b.Owner
		acc.Data = b.Data
	}
}

// invoke dispatches one instruction through a resolved cache entry and
// returns the execution outcome as a value. The caller holds the cache lock.
func (h *Harness) invoke(ctx *executionContext, entry *CacheEntry, meter *svm.ComputeMeter, inv *invocation) error {
	if len(ctx.data) > MaxInstructionDataSize {
		return svm.ErrInvalidInstructionData
	}
	for _, ia := range ctx.instructionAccounts {
		if int(ia.IndexInTransaction) >= len(ctx.accounts) {
			return svm.ErrNotEnoughAccountKeys
		}
	}

	if entry.IsBuiltin() {
		return h.invokeBuiltin(ctx, entry, meter, inv)
	}
	return h.invokeBPF(ctx, entry, meter, inv)
}

// invokeBuiltin runs a native entrypoint against borrowed account views.
func (h *Harness) invokeBuiltin(ctx *executionContext, entry *CacheEntry, meter *svm.ComputeMeter, inv *invocation) error {
	if err := meter.Consume(svm.CUSystemProgramDefault); err != nil {
		return err
	}

	native := newNativeInvocation(inv, ctx, h.Sysvars.Rent)
	if err := entry.Builtin(native, ctx.data); err != nil {
		return err
	}
	native.commit()
	return nil
}

// invokeBPF serializes the instruction accounts into the VM input region,
// runs the verified executable, and writes mutations back on success.
func (h *Harness) invokeBPF(ctx *executionContext, entry *CacheEntry, meter *svm.ComputeMeter, inv *invocation) error {
	if err := meter.Consume(svm.CUBPFLoaderDefault); err != nil {
		return err
	}

	input := serializeInput(ctx)
	registry := syscall.NewRegistry(inv)

	vm := sbpf.NewInterpreter(entry.Executable.ToProgram(), input, sbpf.Config{
		HeapSize: h.ComputeBudget.HeapSize,
		HeapMax:  svm.HeapSizeMax,
		Meter:    meter,
		Syscalls: registry.Lookup(),
	})

	r0, err := vm.Run()
	if err != nil {
		return err
	}
	if r0 != 0 {
		return svm.CustomError(r0)
	}
	return deserializeOutput(ctx, input)
}

// serializeInput lays the instruction accounts out in the VM input region:
//
//	num_accounts u64
//	per account: dup marker u8, is_signer u8, is_writable u8, executable u8,
//	             pad 4, key 32, owner 32, lamports u64, data_len u64, data,
//	             pad to 8, rent_epoch u64
//	instruction_data_len u64, instruction_data, program_id 32
func serializeInput(ctx *executionContext) []byte {
	size := 8
	for i := range ctx.instructionAccounts {
		acc, _ := ctx.instructionAccount(i)
		size += accountWireSize(len(acc.Data))
	}
	size += 8 + len(ctx.data) + 32

	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(ctx.instructionAccounts)))
	offset += 8

	for i, ia := range ctx.instructionAccounts {
		acc, key := ctx.instructionAccount(i)

		buf[offset] = 0xff // non-duplicate marker
		offset++
		buf[offset] = boolByte(ia.IsSigner)
		offset++
		buf[offset] = boolByte(ia.IsWritable)
		offset++
		buf[offset] = boolByte(acc.Executable)
		offset++
		offset += 4 // padding

		copy(buf[offset:], key[:])
		offset += 32
		copy(buf[offset:], acc.Owner[:])
		offset += 32

		binary.LittleEndian.PutUint64(buf[offset:], acc.Lamports)
		offset += 8
		binary.LittleEndian.PutUint64(buf[offset:], uint64(len(acc.Data)))
		offset += 8
		copy(buf[offset:], acc.Data)
		offset += len(acc.Data) + pad8(len(acc.Data))

		binary.LittleEndian.PutUint64(buf[offset:], acc.RentEpoch)
		offset += 8
	}

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(ctx.data)))
	offset += 8
	copy(buf[offset:], ctx.data)
	offset += len(ctx.data)

	copy(buf[offset:], ctx.programID[:])
	return buf
}

// deserializeOutput reads mutated lamports, owner, and data back out of the
// input region for every writable instruction account. All accounts are
// decoded and validated before any write-back, so a failing account leaves
// the whole set untouched. Account data cannot grow past its serialized
// size; a program that tries produces a data size error captured in the
// result.
func deserializeOutput(ctx *executionContext, input []byte) error {
	type accountUpdate struct {
		index    int
		lamports uint64
		owner    types.Pubkey
		data     []byte
	}

	offset := 8
	var updates []accountUpdate

	for i, ia := range ctx.instructionAccounts {
		acc, _ := ctx.instructionAccount(i)
		originalLen := len(acc.Data)

		if !ia.IsWritable {
			offset += accountWireSize(originalLen)
			continue
		}

		offset += 8 // markers and padding
		offset += 32
		var owner types.Pubkey
		copy(owner[:], input[offset:offset+32])
		offset += 32

		lamports := binary.LittleEndian.Uint64(input[offset:])
		offset += 8
		dataLen := binary.LittleEndian.Uint64(input[offset:])
		offset += 8

		if dataLen > uint64(originalLen) {
			return svm.ErrAccountDataTooLarge
		}

		updates = append(updates, accountUpdate{
			index:    i,
			lamports: lamports,
			owner:    owner,
			data:     append([]byte(nil), input[offset:offset+int(dataLen)]...),
		})
		offset += originalLen + pad8(originalLen) + 8
	}

	for _, u := range updates {
		acc, _ := ctx.instructionAccount(u.index)
		acc.Lamports = u.lamports
		acc.Owner = u.owner
		acc.Data = u.data
	}
	return nil
}

// accountWireSize is the serialized footprint of one account.
func accountWireSize(dataLen int) int {
	return 1 + 1 + 1 + 1 + 4 + 32 + 32 + 8 + 8 + dataLen + pad8(dataLen) + 8
}

func pad8(n int) int {
	return (8 - n%8) % 8
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Package sbpf implements the Solana Berkeley Packet Filter virtual machine.
//
// sBPF is a register machine with 11 64-bit registers (R0-R10); R10 is a
// read-only frame pointer. The instruction set is eBPF with Solana
// extensions. Virtual memory is split into four regions:
//
//	Program (0x100000000): read-only code and rodata
//	Stack   (0x200000000): call frames
//	Heap    (0x300000000): bump-allocated heap
//	Input   (0x400000000): serialized instruction input
package sbpf

// Instruction class bits (bits 0-2).
const (
	ClassLd    = 0x00 // Load immediate
	ClassLdx   = 0x01 // Load from memory
	ClassSt    = 0x02 // Store immediate
	ClassStx   = 0x03 // Store register
	ClassAlu   = 0x04 // 32-bit ALU
	ClassJmp   = 0x05 // 64-bit jump
	ClassJmp32 = 0x06 // 32-bit jump
	ClassAlu64 = 0x07 // 64-bit ALU
)

// Source bit (bit 3): operand is immediate or register.
const (
	SrcK = 0x00
	SrcX = 0x08
)

// ALU operation codes (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
)

// Memory access size (bits 3-4 of load/store opcodes).
const (
	SizeW  = 0x00 // 32-bit
	SizeH  = 0x08 // 16-bit
	SizeB  = 0x10 // 8-bit
	SizeDW = 0x18 // 64-bit
)

// Memory mode (bits 5-7 of load/store opcodes).
const (
	ModeImm = 0x00
	ModeMem = 0x60
)

// Jump operation codes (bits 4-7).
const (
	JmpJa   = 0x00
	JmpJeq  = 0x10
	JmpJgt  = 0x20
	JmpJge  = 0x30
	JmpJset = 0x40
	JmpJne  = 0x50
	JmpJsgt = 0x60
	JmpJsge = 0x70
	JmpCall = 0x80
	JmpExit = 0x90
	JmpJlt  = 0xa0
	JmpJle  = 0xb0
	JmpJslt = 0xc0
	JmpJsle = 0xd0
)

// Frequently referenced opcodes.
const (
	OpLddw     = ClassLd | ModeImm | SizeDW            // 0x18, two slots
	OpCall     = ClassJmp | JmpCall                    // 0x85
	OpExit     = ClassJmp | JmpExit                    // 0x95
	OpJa       = ClassJmp | JmpJa                      // 0x05
	OpMov64Imm = ClassAlu64 | SrcK | AluMov            // 0xb7
	OpMov64Reg = ClassAlu64 | SrcX | AluMov            // 0xbf
	OpAdd64Imm = ClassAlu64 | SrcK | AluAdd            // 0x07
	OpAdd64Reg = ClassAlu64 | SrcX | AluAdd            // 0x0f
	OpSub64Reg = ClassAlu64 | SrcX | AluSub            // 0x1f
	OpJeqImm   = ClassJmp | SrcK | JmpJeq              // 0x15
	OpJgtReg   = ClassJmp | SrcX | JmpJgt              // 0x2d
	OpLdxdw    = ClassLdx | ModeMem | SizeDW           // 0x79
	OpLdxw     = ClassLdx | ModeMem | SizeW            // 0x61
	OpLdxb     = ClassLdx | ModeMem | SizeB            // 0x71
	OpStxdw    = ClassStx | ModeMem | SizeDW           // 0x7b
	OpStxw     = ClassStx | ModeMem | SizeW            // 0x63
	OpStxb     = ClassStx | ModeMem | SizeB            // 0x73
	OpStdw     = ClassSt | ModeMem | SizeDW            // 0x7a
)

// Instruction is one encoded slot: op (8) | dst (4) | src (4) | off (16) |
// imm (32), all little-endian within the 64-bit word.
type Instruction uint64

// Op returns the opcode (bits 0-7).
func (i Instruction) Op() uint8 { return uint8(i & 0xFF) }

// Dst returns the destination register index.
func (i Instruction) Dst() uint8 { return uint8((i >> 8) & 0x0F) }

// Src returns the source register index.
func (i Instruction) Src() uint8 { return uint8((i >> 12) & 0x0F) }

// Off returns the signed 16-bit offset.
func (i Instruction) Off() int16 { return int16(i >> 16) }

// Imm returns the signed 32-bit immediate.
func (i Instruction) Imm() int32 { return int32(i >> 32) }

// Uimm returns the immediate as unsigned.
func (i Instruction) Uimm() uint32 { return uint32(i >> 32) }

// Class returns the instruction class bits.
func (i Instruction) Class() uint8 { return uint8(i) & 0x07 }

// Encode builds an instruction slot from its fields.
func Encode(op, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

// ValidOpcode reports whether op decodes to a known instruction. Used by the
// bytecode verifier; the interpreter independently rejects unknown opcodes
// at execution time.
func ValidOpcode(op uint8) bool {
	switch op & 0x07 {
	case ClassAlu, ClassAlu64:
		aluOp := op & 0xF0
		if aluOp > AluArsh {
			return false
		}
		if aluOp == AluNeg {
			// Neg has no register form.
			return op&SrcX == 0
		}
		return true
	case ClassJmp, ClassJmp32:
		jmpOp := op & 0xF0
		if jmpOp > JmpJsle {
			return false
		}
		if jmpOp == JmpCall || jmpOp == JmpExit || jmpOp == JmpJa {
			// No register-source forms, and only valid in the 64-bit class.
			return op&0x07 == ClassJmp && op&SrcX == 0
		}
		return true
	case ClassLdx, ClassStx:
		return op&0xE0 == ModeMem
	case ClassSt:
		return op&0xE0 == ModeMem
	case ClassLd:
		return op == OpLddw
	}
	return false
}

// IsJmp32 reports whether op belongs to the 32-bit jump class.
func IsJmp32(op uint8) bool {
	return op&0x07 == ClassJmp32
}

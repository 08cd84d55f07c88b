package sbpf

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Harness/pkg/svm"
)

// Stack geometry.
const (
	StackFrameSize = 4096
	StackDepth     = 64
	StackGap       = 4096
)

// Execution errors.
var (
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrInvalidInstruction  = errors.New("invalid instruction")
	ErrCallDepthExceeded   = errors.New("call depth exceeded")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrUnknownSyscall      = errors.New("unknown syscall")
)

// Per-instruction compute costs.
const (
	costALU   = uint64(1)
	costMul   = uint64(4)
	costDiv   = uint64(12)
	costLoad  = uint64(2)
	costStore = uint64(2)
	costJump  = uint64(1)
	costCall  = uint64(5)
)

func instructionCost(op uint8) uint64 {
	switch op & 0x07 {
	case ClassAlu, ClassAlu64:
		switch op & 0xF0 {
		case AluMul:
			return costMul
		case AluDiv, AluMod:
			return costDiv
		default:
			return costALU
		}
	case ClassLd, ClassLdx:
		return costLoad
	case ClassSt, ClassStx:
		return costStore
	case ClassJmp, ClassJmp32:
		if op&0xF0 == JmpCall {
			return costCall
		}
		return costJump
	default:
		return costALU
	}
}

// Program is a loaded, relocated sBPF program ready for execution.
type Program struct {
	Text      []uint64          // Instruction slots
	RO        []byte            // Read-only data segment
	Entry     uint64            // Entry point (instruction index)
	Functions map[uint32]uint64 // Function hash -> instruction index
}

// VM is the memory and metering surface syscalls execute against.
type VM interface {
	Read(addr uint64, p []byte) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write(addr uint64, p []byte) error
	Write8(addr uint64, x uint8) error
	Write16(addr uint64, x uint16) error
	Write32(addr uint64, x uint32) error
	Write64(addr uint64, x uint64) error

	Meter() *svm.ComputeMeter

	HeapSize() uint64
	HeapMax() uint64
	GrowHeap(size uint64)
}

// Syscall is a host function callable from sBPF code. Arguments arrive in
// r1-r5; the return value is placed in r0.
type Syscall interface {
	Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc adapts a function to the Syscall interface.
type SyscallFunc func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Syscall.
func (f SyscallFunc) Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(vm, r1, r2, r3, r4, r5)
}

// SyscallRegistry resolves a murmur3 name hash to a syscall.
type SyscallRegistry func(hash uint32) (Syscall, bool)

// frame is one saved call frame.
type frame struct {
	framePtr uint64
	saved    [4]uint64 // r6-r9
	retAddr  int64
}

// callStack manages frame memory and saved registers.
type callStack struct {
	mem    []byte
	frames []frame
}

func newCallStack() *callStack {
	return &callStack{
		mem:    make([]byte, StackFrameSize*StackDepth),
		frames: make([]frame, 0, StackDepth),
	}
}

func (s *callStack) push(r *[11]uint64, retAddr int64) error {
	if len(s.frames) >= StackDepth {
		return ErrCallDepthExceeded
	}
	f := frame{framePtr: r[10], retAddr: retAddr}
	copy(f.saved[:], r[6:10])
	s.frames = append(s.frames, f)
	r[10] += StackFrameSize + StackGap
	return nil
}

func (s *callStack) pop(r *[11]uint64) (int64, bool) {
	if len(s.frames) == 0 {
		return 0, false
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	copy(r[6:10], f.saved[:])
	r[10] = f.framePtr
	return f.retAddr, true
}

// slice maps a stack-region offset to frame memory; offsets inside the
// inter-frame gap are unmapped.
func (s *callStack) slice(off uint32) []byte {
	frameIdx := off / (StackFrameSize + StackGap)
	rel := off % (StackFrameSize + StackGap)
	if rel >= StackFrameSize {
		return nil
	}
	base := frameIdx*StackFrameSize + rel
	if int(base) >= len(s.mem) {
		return nil
	}
	return s.mem[base:]
}

// Config bounds an interpreter run.
type Config struct {
	HeapSize uint64
	HeapMax  uint64
	Meter    *svm.ComputeMeter
	Syscalls SyscallRegistry
}

// Interpreter executes a Program against an input region.
type Interpreter struct {
	text      []uint64
	ro        []byte
	entry     uint64
	functions map[uint32]uint64

	stack   *callStack
	heap    []byte
	heapMax uint64
	input   []byte

	meter    *svm.ComputeMeter
	syscalls SyscallRegistry
}

// NewInterpreter creates an interpreter for one invocation. The input slice
// is aliased, not copied: the VM writes account mutations back through it.
func NewInterpreter(prog *Program, input []byte, cfg Config) *Interpreter {
	heapSize := cfg.HeapSize
	if heapSize == 0 {
		heapSize = svm.HeapSizeDefault
	}
	heapMax := cfg.HeapMax
	if heapMax == 0 || heapMax > svm.HeapSizeMax {
		heapMax = svm.HeapSizeMax
	}
	if heapSize > heapMax {
		heapSize = heapMax
	}
	meter := cfg.Meter
	if meter == nil {
		meter = svm.NewComputeMeter(svm.CUDefault)
	}
	return &Interpreter{
		text:      prog.Text,
		ro:        prog.RO,
		entry:     prog.Entry,
		functions: prog.Functions,
		stack:     newCallStack(),
		heap:      make([]byte, heapSize),
		heapMax:   heapMax,
		input:     input,
		meter:     meter,
		syscalls:  cfg.Syscalls,
	}
}

// Meter returns the compute meter.
func (ip *Interpreter) Meter() *svm.ComputeMeter { return ip.meter }

// HeapSize returns the current heap size.
func (ip *Interpreter) HeapSize() uint64 { return uint64(len(ip.heap)) }

// HeapMax returns the maximum heap size.
func (ip *Interpreter) HeapMax() uint64 { return ip.heapMax }

// GrowHeap extends the heap up to HeapMax. Shrinking is a no-op.
func (ip *Interpreter) GrowHeap(size uint64) {
	if size <= uint64(len(ip.heap)) || size > ip.heapMax {
		return
	}
	grown := make([]byte, size)
	copy(grown, ip.heap)
	ip.heap = grown
}

// Run executes from the entry point until the top-level exit, a fault, or
// compute exhaustion. Returns the final r0.
func (ip *Interpreter) Run() (r0 uint64, err error) {
	var r [11]uint64
	r[1] = VaddrInput
	r[10] = VaddrStack + StackFrameSize - 1

	pc := int64(ip.entry)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("vm panic: %v", rec)
		}
	}()

	for {
		if pc < 0 || pc >= int64(len(ip.text)) {
			return 0, fmt.Errorf("%w: program counter %d out of bounds", ErrInvalidInstruction, pc)
		}
		ins := Instruction(ip.text[pc])
		op := ins.Op()

		if err := ip.meter.Consume(instructionCost(op)); err != nil {
			return 0, err
		}
		if ins.Dst() > 10 || ins.Src() > 10 {
			return 0, fmt.Errorf("%w: bad register in slot %d", ErrInvalidInstruction, pc)
		}

		switch ins.Class() {
		case ClassAlu, ClassAlu64:
			if err := ip.evalALU(ins, &r); err != nil {
				return 0, err
			}

		case ClassLd:
			if op != OpLddw {
				return 0, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
			}
			if pc+1 >= int64(len(ip.text)) {
				return 0, fmt.Errorf("%w: truncated lddw at slot %d", ErrInvalidInstruction, pc)
			}
			if ins.Dst() == 10 {
				return 0, fmt.Errorf("%w: lddw writes frame pointer", ErrInvalidInstruction)
			}
			next := Instruction(ip.text[pc+1])
			r[ins.Dst()] = uint64(ins.Uimm()) | uint64(next.Uimm())<<32
			pc++

		case ClassLdx:
			val, err := ip.load(op, r[ins.Src()]+uint64(ins.Off()))
			if err != nil {
				return 0, err
			}
			r[ins.Dst()] = val

		case ClassSt:
			if err := ip.store(op, r[ins.Dst()]+uint64(ins.Off()), uint64(ins.Imm())); err != nil {
				return 0, err
			}

		case ClassStx:
			if err := ip.store(op, r[ins.Dst()]+uint64(ins.Off()), r[ins.Src()]); err != nil {
				return 0, err
			}

		case ClassJmp, ClassJmp32:
			switch op {
			case OpCall:
				next, done, err := ip.call(ins, &r, pc)
				if err != nil {
					return 0, err
				}
				if done {
					pc = next
					continue
				}

			case OpExit:
				retAddr, ok := ip.stack.pop(&r)
				if !ok {
					return r[0], nil
				}
				pc = retAddr
				continue

			case OpJa:
				pc += int64(ins.Off())

			default:
				taken, err := ip.branch(ins, &r)
				if err != nil {
					return 0, err
				}
				if taken {
					pc += int64(ins.Off())
				}
			}

		default:
			return 0, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
		}

		pc++
	}
}

// evalALU executes one ALU instruction in either width.
func (ip *Interpreter) evalALU(ins Instruction, r *[11]uint64) error {
	op := ins.Op()
	aluOp := op & 0xF0
	dst := ins.Dst()
	wide := ins.Class() == ClassAlu64

	if aluOp == AluNeg {
		if wide {
			r[dst] = uint64(-int64(r[dst]))
		} else {
			r[dst] = uint64(uint32(-int32(r[dst])))
		}
		return nil
	}

	// Operand: register, or sign-extended immediate. Division and modulo by
	// immediate use the zero-extended form, matching the reference VM.
	var b uint64
	if op&SrcX != 0 {
		b = r[ins.Src()]
	} else if aluOp == AluDiv || aluOp == AluMod {
		b = uint64(ins.Uimm())
	} else {
		b = uint64(ins.Imm())
	}

	if wide {
		a := r[dst]
		switch aluOp {
		case AluAdd:
			r[dst] = a + b
		case AluSub:
			r[dst] = a - b
		case AluMul:
			r[dst] = a * b
		case AluDiv:
			if b == 0 {
				return ErrDivisionByZero
			}
			r[dst] = a / b
		case AluMod:
			if b == 0 {
				return ErrDivisionByZero
			}
			r[dst] = a % b
		case AluOr:
			r[dst] = a | b
		case AluAnd:
			r[dst] = a & b
		case AluXor:
			r[dst] = a ^ b
		case AluLsh:
			r[dst] = a << (b & 63)
		case AluRsh:
			r[dst] = a >> (b & 63)
		case AluArsh:
			r[dst] = uint64(int64(a) >> (b & 63))
		case AluMov:
			r[dst] = b
		default:
			return fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
		}
		return nil
	}

	a32, b32 := uint32(r[dst]), uint32(b)
	switch aluOp {
	case AluAdd:
		r[dst] = uint64(a32 + b32)
	case AluSub:
		r[dst] = uint64(a32 - b32)
	case AluMul:
		r[dst] = uint64(a32 * b32)
	case AluDiv:
		if b32 == 0 {
			return ErrDivisionByZero
		}
		r[dst] = uint64(a32 / b32)
	case AluMod:
		if b32 == 0 {
			return ErrDivisionByZero
		}
		r[dst] = uint64(a32 % b32)
	case AluOr:
		r[dst] = uint64(a32 | b32)
	case AluAnd:
		r[dst] = uint64(a32 & b32)
	case AluXor:
		r[dst] = uint64(a32 ^ b32)
	case AluLsh:
		r[dst] = uint64(a32 << (b32 & 31))
	case AluRsh:
		r[dst] = uint64(a32 >> (b32 & 31))
	case AluArsh:
		r[dst] = uint64(uint32(int32(a32) >> (b32 & 31)))
	case AluMov:
		r[dst] = uint64(b32)
	default:
		return fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
	}
	return nil
}

// branch evaluates a conditional jump in either width.
func (ip *Interpreter) branch(ins Instruction, r *[11]uint64) (bool, error) {
	op := ins.Op()
	a := r[ins.Dst()]
	var b uint64
	if op&SrcX != 0 {
		b = r[ins.Src()]
	} else {
		b = uint64(ins.Imm()) // sign-extended
	}

	if ins.Class() == ClassJmp32 {
		a32, b32 := uint32(a), uint32(b)
		switch op & 0xF0 {
		case JmpJeq:
			return a32 == b32, nil
		case JmpJne:
			return a32 != b32, nil
		case JmpJgt:
			return a32 > b32, nil
		case JmpJge:
			return a32 >= b32, nil
		case JmpJlt:
			return a32 < b32, nil
		case JmpJle:
			return a32 <= b32, nil
		case JmpJset:
			return a32&b32 != 0, nil
		case JmpJsgt:
			return int32(a32) > int32(b32), nil
		case JmpJsge:
			return int32(a32) >= int32(b32), nil
		case JmpJslt:
			return int32(a32) < int32(b32), nil
		case JmpJsle:
			return int32(a32) <= int32(b32), nil
		}
		return false, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
	}

	switch op & 0xF0 {
	case JmpJeq:
		return a == b, nil
	case JmpJne:
		return a != b, nil
	case JmpJgt:
		return a > b, nil
	case JmpJge:
		return a >= b, nil
	case JmpJlt:
		return a < b, nil
	case JmpJle:
		return a <= b, nil
	case JmpJset:
		return a&b != 0, nil
	case JmpJsgt:
		return int64(a) > int64(b), nil
	case JmpJsge:
		return int64(a) >= int64(b), nil
	case JmpJslt:
		return int64(a) < int64(b), nil
	case JmpJsle:
		return int64(a) <= int64(b), nil
	}
	return false, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
}

// load reads the access size encoded in op from addr.
func (ip *Interpreter) load(op uint8, addr uint64) (uint64, error) {
	switch op & 0x18 {
	case SizeB:
		v, err := ip.Read8(addr)
		return uint64(v), err
	case SizeH:
		v, err := ip.Read16(addr)
		return uint64(v), err
	case SizeW:
		v, err := ip.Read32(addr)
		return uint64(v), err
	default:
		return ip.Read64(addr)
	}
}

// store writes the access size encoded in op to addr.
func (ip *Interpreter) store(op uint8, addr, val uint64) error {
	switch op & 0x18 {
	case SizeB:
		return ip.Write8(addr, uint8(val))
	case SizeH:
		return ip.Write16(addr, uint16(val))
	case SizeW:
		return ip.Write32(addr, uint32(val))
	default:
		return ip.Write64(addr, val)
	}
}

// call dispatches an OpCall slot: syscall, internal function, or relative
// call. Returns (nextPC, true, nil) when the caller must jump instead of
// falling through.
func (ip *Interpreter) call(ins Instruction, r *[11]uint64, pc int64) (int64, bool, error) {
	hash := ins.Uimm()

	if ip.syscalls != nil {
		if sc, ok := ip.syscalls(hash); ok {
			result, err := sc.Invoke(ip, r[1], r[2], r[3], r[4], r[5])
			if err != nil {
				return 0, false, err
			}
			r[0] = result
			return 0, false, nil
		}
	}

	if target, ok := ip.functions[hash]; ok {
		if err := ip.stack.push(r, pc+1); err != nil {
			return 0, false, err
		}
		return int64(target), true, nil
	}

	// src == 1 marks a PC-relative call.
	if ins.Src() == 1 {
		if err := ip.stack.push(r, pc+1); err != nil {
			return 0, false, err
		}
		return pc + int64(ins.Imm()) + 1, true, nil
	}

	return 0, false, fmt.Errorf("%w: 0x%08x", ErrUnknownSyscall, hash)
}

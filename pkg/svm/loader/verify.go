package loader

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Harness/pkg/svm"
	"github.com/fortiblox/X1-Harness/pkg/svm/sbpf"
)

// Verifier errors.
var (
	ErrVerifyFailed        = errors.New("bytecode verification failed")
	ErrEmptyText           = errors.New("program has no instructions")
	ErrTooManyInstructions = errors.New("program exceeds instruction limit")
)

// Verify statically checks an executable's bytecode. A program that passes
// can still fault at runtime (bad memory access, compute exhaustion), but
// structurally invalid code never reaches the interpreter.
//
// maxInstructions of zero means the default budget limit applies.
func Verify(exec *Executable, features svm.FeatureSet, maxInstructions uint64) error {
	if len(exec.Text) == 0 {
		return ErrEmptyText
	}
	if maxInstructions == 0 {
		maxInstructions = svm.DefaultComputeBudget().MaxLoadedInstructions
	}
	if uint64(len(exec.Text)) > maxInstructions {
		return fmt.Errorf("%w: %d instructions", ErrTooManyInstructions, len(exec.Text))
	}
	if exec.Entry >= uint64(len(exec.Text)) {
		return fmt.Errorf("%w: entry point %d out of bounds", ErrVerifyFailed, exec.Entry)
	}

	jmp32OK := features.Enabled(svm.FeatureJmp32)
	text := exec.Text

	// First pass validates each slot and marks lddw second slots so the
	// branch pass can reject jumps into the middle of one.
	secondSlot := make([]bool, len(text))

	for pc := 0; pc < len(text); pc++ {
		ins := sbpf.Instruction(text[pc])
		op := ins.Op()

		if !sbpf.ValidOpcode(op) {
			return fmt.Errorf("%w: unknown opcode 0x%02x at %d", ErrVerifyFailed, op, pc)
		}
		if sbpf.IsJmp32(op) && !jmp32OK {
			return fmt.Errorf("%w: jmp32 instruction at %d requires the %s feature",
				ErrVerifyFailed, pc, svm.FeatureJmp32)
		}

		if ins.Dst() > 10 || ins.Src() > 10 {
			return fmt.Errorf("%w: invalid register at %d", ErrVerifyFailed, pc)
		}
		if ins.Dst() == 10 && writesDst(op) {
			return fmt.Errorf("%w: write to frame register at %d", ErrVerifyFailed, pc)
		}

		// Division and modulo by a zero immediate can never succeed.
		if cls := op & 0x07; (cls == sbpf.ClassAlu || cls == sbpf.ClassAlu64) && op&sbpf.SrcX == 0 {
			if aluOp := op & 0xF0; (aluOp == sbpf.AluDiv || aluOp == sbpf.AluMod) && ins.Imm() == 0 {
				return fmt.Errorf("%w: division by zero immediate at %d", ErrVerifyFailed, pc)
			}
		}

		if op == sbpf.OpLddw {
			if pc+1 >= len(text) {
				return fmt.Errorf("%w: truncated lddw at %d", ErrVerifyFailed, pc)
			}
			next := sbpf.Instruction(text[pc+1])
			if next.Op() != 0 || next.Dst() != 0 || next.Src() != 0 || next.Off() != 0 {
				return fmt.Errorf("%w: malformed lddw second slot at %d", ErrVerifyFailed, pc+1)
			}
			secondSlot[pc+1] = true
			pc++
		}
	}

	if secondSlot[exec.Entry] {
		return fmt.Errorf("%w: entry point %d inside lddw", ErrVerifyFailed, exec.Entry)
	}

	for pc := 0; pc < len(text); pc++ {
		if secondSlot[pc] {
			continue
		}
		ins := sbpf.Instruction(text[pc])
		if !isBranch(ins.Op()) {
			continue
		}
		target := int64(pc) + 1 + int64(ins.Off())
		if target < 0 || target >= int64(len(text)) {
			return fmt.Errorf("%w: jump target %d out of bounds at %d", ErrVerifyFailed, target, pc)
		}
		if secondSlot[target] {
			return fmt.Errorf("%w: jump into lddw at %d", ErrVerifyFailed, pc)
		}
	}

	return nil
}

// writesDst reports whether op stores a result into its dst register.
// Stores write memory, not a register; dst names the address base there.
func writesDst(op uint8) bool {
	switch op & 0x07 {
	case sbpf.ClassAlu, sbpf.ClassAlu64, sbpf.ClassLdx, sbpf.ClassLd:
		return true
	}
	return false
}

// isBranch reports whether op carries a pc-relative jump offset. Call and
// exit resolve their targets differently and are excluded.
func isBranch(op uint8) bool {
	cls := op & 0x07
	if cls != sbpf.ClassJmp && cls != sbpf.ClassJmp32 {
		return false
	}
	jmpOp := op & 0xF0
	return jmpOp != sbpf.JmpCall && jmpOp != sbpf.JmpExit
}

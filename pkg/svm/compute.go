// Package svm holds the execution-environment primitives shared by the
// instruction pipeline: compute budgets and metering, the feature set, and
// the typed errors a program invocation can produce.
//
// Costs match the Agave reference values.
package svm

import "sync/atomic"

// Compute unit cost constants.
const (
	// Budget limits
	CUDefault = uint64(200_000)   // Default CU limit per instruction
	CUMax     = uint64(1_400_000) // Max CU limit per transaction

	// Syscall base costs
	CUSyscallBase = uint64(100)
	CULogBase     = uint64(100)
	CULogPerByte  = uint64(1)
	CULog64       = uint64(100)

	// Memory operations
	CUMemOpBase    = uint64(10)
	CUMemOpPerByte = uint64(1)

	// Hashing
	CUSha256Base       = uint64(85)
	CUSha256PerByte    = uint64(1)
	CUKeccak256Base    = uint64(85)
	CUKeccak256PerByte = uint64(1)
	CUBlake3Base       = uint64(85)
	CUBlake3PerByte    = uint64(1)

	// Native program base costs
	CUSystemProgramDefault = uint64(150)
	CUBPFLoaderDefault     = uint64(570)
)

// Heap size constants.
const (
	HeapSizeDefault = uint64(32 * 1024)
	HeapSizeMax     = uint64(256 * 1024)
)

// ComputeBudget bounds a single instruction invocation. It is part of the
// harness configuration and consumed per call; the cache also captures it
// when a program is loaded (verification limits depend on it).
type ComputeBudget struct {
	// ComputeUnitLimit is the maximum compute units one invocation may burn.
	ComputeUnitLimit uint64

	// HeapSize is the VM heap size in bytes.
	HeapSize uint64

	// MaxInstructionStackDepth is the maximum invocation nesting depth.
	// The harness always invokes at depth 1.
	MaxInstructionStackDepth uint64

	// MaxLoadedInstructions caps the text size of a loaded program.
	MaxLoadedInstructions uint64
}

// DefaultComputeBudget returns the budget used by a fresh harness.
func DefaultComputeBudget() ComputeBudget {
	return ComputeBudget{
		ComputeUnitLimit:         CUDefault,
		HeapSize:                 HeapSizeDefault,
		MaxInstructionStackDepth: 5,
		MaxLoadedInstructions:    1_000_000,
	}
}

// ComputeMeter tracks compute unit consumption against a fixed limit.
type ComputeMeter struct {
	remaining uint64
	limit     uint64
}

// NewComputeMeter creates a meter with the specified limit, clamped to CUMax.
func NewComputeMeter(limit uint64) *ComputeMeter {
	if limit > CUMax {
		limit = CUMax
	}
	return &ComputeMeter{remaining: limit, limit: limit}
}

// Consume burns cost units, returning ErrComputeExceeded once the limit is
// crossed. The meter saturates at zero.
func (cm *ComputeMeter) Consume(cost uint64) error {
	for {
		remaining := atomic.LoadUint64(&cm.remaining)
		if remaining < cost {
			atomic.StoreUint64(&cm.remaining, 0)
			return ErrComputeExceeded
		}
		if atomic.CompareAndSwapUint64(&cm.remaining, remaining, remaining-cost) {
			return nil
		}
	}
}

// Remaining returns the remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return atomic.LoadUint64(&cm.remaining)
}

// Consumed returns the units burned so far.
func (cm *ComputeMeter) Consumed() uint64 {
	return cm.limit - atomic.LoadUint64(&cm.remaining)
}

// Limit returns the compute unit limit.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}

// FeeStructure carries the static fee parameters of the environment.
// The harness performs no fee accounting; programs can observe the value.
type FeeStructure struct {
	// LamportsPerSignature is the flat per-signature fee.
	LamportsPerSignature uint64
}

// DefaultFeeStructure returns the standard fee parameters.
func DefaultFeeStructure() FeeStructure {
	return FeeStructure{LamportsPerSignature: 5000}
}

// Package syscall implements the host functions callable from sBPF programs.
//
// Each syscall is identified by the murmur3 hash of its name. Arguments are
// passed in r1-r5 and the return value lands in r0. Compute is metered
// through the VM the syscall executes against.
package syscall

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Harness/pkg/svm"
	"github.com/fortiblox/X1-Harness/pkg/svm/sbpf"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Syscall errors.
var (
	ErrInvalidArgument    = errors.New("invalid syscall argument")
	ErrInvalidLength      = errors.New("invalid length")
	ErrReturnDataTooLarge = errors.New("return data too large")
)

// Limits.
const (
	MaxLogMsgLen  = 10_000
	MaxReturnData = 1024
	MaxMemOpSize  = 10 * 1024 * 1024
	MaxHashSlices = 100
)

// InvokeContext is the per-invocation state syscalls report into.
type InvokeContext interface {
	// Log records a program log line.
	Log(msg string)

	// LogData records raw data slices emitted by the program.
	LogData(data [][]byte)

	// SetReturnData stores the program's return data.
	SetReturnData(programID [32]byte, data []byte) error

	// GetReturnData returns the most recently set return data.
	GetReturnData() (programID [32]byte, data []byte)

	// ProgramID returns the identity of the executing program.
	ProgramID() [32]byte
}

// Registry maps syscall name hashes to implementations.
type Registry struct {
	syscalls map[uint32]sbpf.Syscall
}

// NewRegistry creates a registry with the standard syscall set bound to ctx.
func NewRegistry(ctx InvokeContext) *Registry {
	r := &Registry{syscalls: make(map[uint32]sbpf.Syscall)}
	r.registerLogging(ctx)
	r.registerMemory()
	r.registerHashing()
	r.registerControl(ctx)
	return r
}

// Get returns a syscall by its name hash.
func (r *Registry) Get(hash uint32) (sbpf.Syscall, bool) {
	sc, ok := r.syscalls[hash]
	return sc, ok
}

// Lookup adapts the registry to the VM's resolver signature.
func (r *Registry) Lookup() sbpf.SyscallRegistry {
	return func(hash uint32) (sbpf.Syscall, bool) {
		return r.Get(hash)
	}
}

// Known reports whether a name hash corresponds to a registered syscall.
// The loader uses this to classify external relocations.
func (r *Registry) Known(hash uint32) bool {
	_, ok := r.syscalls[hash]
	return ok
}

func (r *Registry) register(name string, fn sbpf.SyscallFunc) {
	r.syscalls[Murmur3(name)] = fn
}

func (r *Registry) registerLogging(ctx InvokeContext) {
	r.register("sol_log_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		msgLen := r2
		if msgLen > MaxLogMsgLen {
			msgLen = MaxLogMsgLen
		}
		if err := vm.Meter().Consume(svm.CULogBase + svm.CULogPerByte*msgLen); err != nil {
			return 0, err
		}
		msg := make([]byte, msgLen)
		if err := vm.Read(r1, msg); err != nil {
			return 0, err
		}
		ctx.Log(string(msg))
		return 0, nil
	})

	r.register("sol_log_64_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Consume(svm.CULog64); err != nil {
			return 0, err
		}
		ctx.Log(fmt.Sprintf("Program log: 0x%x, 0x%x, 0x%x, 0x%x, 0x%x", r1, r2, r3, r4, r5))
		return 0, nil
	})

	r.register("sol_log_pubkey", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Consume(svm.CULogBase); err != nil {
			return 0, err
		}
		pubkey := make([]byte, 32)
		if err := vm.Read(r1, pubkey); err != nil {
			return 0, err
		}
		ctx.LogData([][]byte{pubkey})
		return 0, nil
	})

	r.register("sol_log_compute_units_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Consume(svm.CUSyscallBase); err != nil {
			return 0, err
		}
		ctx.Log(fmt.Sprintf("Program consumption: %d units remaining", vm.Meter().Remaining()))
		return 0, nil
	})

	r.register("sol_log_data", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		numSlices := r2
		if numSlices == 0 || numSlices > MaxHashSlices {
			return 0, ErrInvalidArgument
		}
		if err := vm.Meter().Consume(svm.CULogBase); err != nil {
			return 0, err
		}
		var data [][]byte
		for i := uint64(0); i < numSlices; i++ {
			ptr, err := vm.Read64(r1 + i*16)
			if err != nil {
				return 0, err
			}
			length, err := vm.Read64(r1 + i*16 + 8)
			if err != nil {
				return 0, err
			}
			if length > MaxLogMsgLen {
				return 0, ErrInvalidLength
			}
			if err := vm.Meter().Consume(svm.CULogPerByte * length); err != nil {
				return 0, err
			}
			slice := make([]byte, length)
			if err := vm.Read(ptr, slice); err != nil {
				return 0, err
			}
			data = append(data, slice)
		}
		ctx.LogData(data)
		return 0, nil
	})
}

func (r *Registry) registerMemory() {
	memCost := func(vm sbpf.VM, n uint64) error {
		if n > MaxMemOpSize {
			return ErrInvalidLength
		}
		return vm.Meter().Consume(svm.CUMemOpBase + svm.CUMemOpPerByte*n)
	}

	// memcpy and memmove share one implementation: the VM buffers the read,
	// so overlap is handled either way.
	copyImpl := func(vm sbpf.VM, dst, src, n uint64) (uint64, error) {
		if n == 0 {
			return 0, nil
		}
		if err := memCost(vm, n); err != nil {
			return 0, err
		}
		data := make([]byte, n)
		if err := vm.Read(src, data); err != nil {
			return 0, err
		}
		if err := vm.Write(dst, data); err != nil {
			return 0, err
		}
		return 0, nil
	}

	r.register("sol_memcpy_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return copyImpl(vm, r1, r2, r3)
	})
	r.register("sol_memmove_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return copyImpl(vm, r1, r2, r3)
	})

	r.register("sol_memset_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, val, n := r1, uint8(r2), r3
		if n == 0 {
			return 0, nil
		}
		if err := memCost(vm, n); err != nil {
			return 0, err
		}
		data := make([]byte, n)
		for i := range data {
			data[i] = val
		}
		if err := vm.Write(dst, data); err != nil {
			return 0, err
		}
		return 0, nil
	})

	r.register("sol_memcmp_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		addr1, addr2, n, resultAddr := r1, r2, r3, r4
		if err := memCost(vm, n); err != nil {
			return 0, err
		}
		var result int32
		if n > 0 {
			data1 := make([]byte, n)
			data2 := make([]byte, n)
			if err := vm.Read(addr1, data1); err != nil {
				return 0, err
			}
			if err := vm.Read(addr2, data2); err != nil {
				return 0, err
			}
			for i := uint64(0); i < n; i++ {
				if data1[i] != data2[i] {
					result = int32(data1[i]) - int32(data2[i])
					break
				}
			}
		}
		if err := vm.Write32(resultAddr, uint32(result)); err != nil {
			return 0, err
		}
		return 0, nil
	})

	r.register("sol_alloc_free_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		size := r1
		if err := vm.Meter().Consume(svm.CUSyscallBase); err != nil {
			return 0, err
		}
		if size == 0 {
			return 0, nil
		}
		size = (size + 7) &^ 7
		current := vm.HeapSize()
		if current+size > vm.HeapMax() {
			return 0, nil // null on allocation failure
		}
		vm.GrowHeap(current + size)
		return sbpf.VaddrHeap + current, nil
	})
}

// hashImpl reads r2 (ptr,len) pairs starting at r1, hashes them through h,
// and writes the 32-byte digest to r3.
func hashImpl(vm sbpf.VM, r1, r2, r3, base, perByte uint64, newHasher func() hasher) (uint64, error) {
	if r2 > MaxHashSlices {
		return 0, ErrInvalidArgument
	}
	if err := vm.Meter().Consume(base); err != nil {
		return 0, err
	}
	h := newHasher()
	for i := uint64(0); i < r2; i++ {
		ptr, err := vm.Read64(r1 + i*16)
		if err != nil {
			return 0, err
		}
		length, err := vm.Read64(r1 + i*16 + 8)
		if err != nil {
			return 0, err
		}
		if length > MaxMemOpSize {
			return 0, ErrInvalidLength
		}
		if err := vm.Meter().Consume(perByte * length); err != nil {
			return 0, err
		}
		data := make([]byte, length)
		if err := vm.Read(ptr, data); err != nil {
			return 0, err
		}
		h.Write(data)
	}
	if err := vm.Write(r3, h.Sum(nil)[:32]); err != nil {
		return 0, err
	}
	return 0, nil
}

type hasher interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

func (r *Registry) registerHashing() {
	r.register("sol_sha256", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return hashImpl(vm, r1, r2, r3, svm.CUSha256Base, svm.CUSha256PerByte, func() hasher {
			return sha256.New()
		})
	})

	r.register("sol_keccak256", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return hashImpl(vm, r1, r2, r3, svm.CUKeccak256Base, svm.CUKeccak256PerByte, func() hasher {
			return sha3.NewLegacyKeccak256()
		})
	})

	r.register("sol_blake3", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return hashImpl(vm, r1, r2, r3, svm.CUBlake3Base, svm.CUBlake3PerByte, func() hasher {
			return blake3.New()
		})
	})
}

func (r *Registry) registerControl(ctx InvokeContext) {
	r.register("abort", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, errors.New("program aborted")
	})

	r.register("sol_panic_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		fileLen := r2
		if fileLen > 256 {
			fileLen = 256
		}
		filename := make([]byte, fileLen)
		if err := vm.Read(r1, filename); err != nil {
			return 0, errors.New("program panicked")
		}
		return 0, fmt.Errorf("program panicked at %s:%d:%d", filename, r3, r4)
	})

	r.register("sol_set_return_data", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Consume(svm.CUSyscallBase); err != nil {
			return 0, err
		}
		if r2 > MaxReturnData {
			return 0, ErrReturnDataTooLarge
		}
		data := make([]byte, r2)
		if err := vm.Read(r1, data); err != nil {
			return 0, err
		}
		return 0, ctx.SetReturnData(ctx.ProgramID(), data)
	})

	r.register("sol_get_return_data", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Consume(svm.CUSyscallBase); err != nil {
			return 0, err
		}
		programID, data := ctx.GetReturnData()
		copyLen := uint64(len(data))
		if copyLen > r2 {
			copyLen = r2
		}
		if copyLen > 0 {
			if err := vm.Write(r1, data[:copyLen]); err != nil {
				return 0, err
			}
		}
		if err := vm.Write(r3, programID[:]); err != nil {
			return 0, err
		}
		return uint64(len(data)), nil
	})

	r.register("sol_get_stack_height", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Consume(svm.CUSyscallBase); err != nil {
			return 0, err
		}
		// Single top-level invocation, no CPI stack.
		return 1, nil
	})
}

// Murmur3 computes the 32-bit murmur3 hash of a syscall or function name,
// matching the hash the reference toolchain embeds in call immediates.
func Murmur3(name string) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(name)
	h1 := uint32(0)

	nblocks := len(data) / 4
	for i := 0; i < nblocks; i++ {
		k1 := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24

		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2

		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(len(data))
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16

	return h1
}

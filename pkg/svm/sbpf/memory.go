package sbpf

import (
	"encoding/binary"
	"fmt"
)

// Virtual memory region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000)
	VaddrStack   = uint64(0x2_0000_0000)
	VaddrHeap    = uint64(0x3_0000_0000)
	VaddrInput   = uint64(0x4_0000_0000)
)

// Translate converts a virtual address range to a host slice. Writes to the
// program region are rejected; the input region is writable so account
// mutations can flow back to the caller.
func (ip *Interpreter) Translate(addr, size uint64, write bool) ([]byte, error) {
	lo := addr & 0xFFFFFFFF
	if size > 0 && lo > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
	}
	end := lo + size

	var region []byte
	readonly := false

	switch addr >> 32 {
	case VaddrProgram >> 32:
		region, readonly = ip.ro, true
	case VaddrHeap >> 32:
		region = ip.heap
	case VaddrInput >> 32:
		region = ip.input
	case VaddrStack >> 32:
		mem := ip.stack.slice(uint32(lo))
		if mem == nil || uint64(len(mem)) < size {
			return nil, fmt.Errorf("%w: stack access at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
		}
		return mem[:size], nil
	default:
		return nil, fmt.Errorf("%w: unmapped region at 0x%x", ErrInvalidMemoryAccess, addr)
	}

	if readonly && write {
		return nil, fmt.Errorf("%w: write to read-only region at 0x%x", ErrInvalidMemoryAccess, addr)
	}
	if end > uint64(len(region)) {
		return nil, fmt.Errorf("%w: access at 0x%x (size %d) beyond region of %d bytes",
			ErrInvalidMemoryAccess, addr, size, len(region))
	}
	return region[lo:end], nil
}

// Read copies len(p) bytes from virtual memory into p.
func (ip *Interpreter) Read(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte.
func (ip *Interpreter) Read8(addr uint64) (uint8, error) {
	mem, err := ip.Translate(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// Read16 reads a little-endian 16-bit value.
func (ip *Interpreter) Read16(addr uint64) (uint16, error) {
	mem, err := ip.Translate(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

// Read32 reads a little-endian 32-bit value.
func (ip *Interpreter) Read32(addr uint64) (uint32, error) {
	mem, err := ip.Translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Read64 reads a little-endian 64-bit value.
func (ip *Interpreter) Read64(addr uint64) (uint64, error) {
	mem, err := ip.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write copies p into virtual memory at addr.
func (ip *Interpreter) Write(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte.
func (ip *Interpreter) Write8(addr uint64, x uint8) error {
	mem, err := ip.Translate(addr, 1, true)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// Write16 writes a little-endian 16-bit value.
func (ip *Interpreter) Write16(addr uint64, x uint16) error {
	mem, err := ip.Translate(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

// Write32 writes a little-endian 32-bit value.
func (ip *Interpreter) Write32(addr uint64, x uint32) error {
	mem, err := ip.Translate(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// Write64 writes a little-endian 64-bit value.
func (ip *Interpreter) Write64(addr uint64, x uint64) error {
	mem, err := ip.Translate(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}

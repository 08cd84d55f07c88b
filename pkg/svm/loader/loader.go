// Package loader turns sBPF ELF shared objects into executable programs.
//
// The loader parses the ELF64 container, lifts .text into instruction
// slots, applies the sBPF relocation types, and extracts the function
// registry. Verification of the resulting bytecode lives in verify.go and
// runs before a program is admitted to the cache.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Harness/pkg/svm/sbpf"
	"github.com/fortiblox/X1-Harness/pkg/svm/syscall"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// ELF constants the loader accepts.
const (
	elfClass64 = 2
	elfDataLSB = 1

	elfMachineBPF  = 247
	elfMachineSBPF = 263

	elfTypeExec = 2
	elfTypeDyn  = 3
)

// Section types.
const (
	shtProgbits = 1
	shtSymtab   = 2
	shtStrtab   = 3
	shtRela     = 4
	shtNobits   = 8
	shtRel      = 9
	shtDynsym   = 11
)

// Symbol info.
const (
	sttFunc = 2
)

// sBPF relocation types.
const (
	rBPF64_64    = 1
	rBPFRelative = 8
	rBPF64_32    = 10
)

// Loader errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrInvalidSection     = errors.New("invalid section")
	ErrTooLarge           = errors.New("ELF file too large")
)

// Parse limits.
const (
	MaxELFSize     = 10 * 1024 * 1024
	MaxSections    = 256
	MaxSymbols     = 100_000
	MaxRelocations = 100_000
)

// Executable is a parsed and relocated program, not yet verified.
type Executable struct {
	// Text contains the instruction slots.
	Text []uint64

	// RO is the read-only data segment mapped at the program region.
	RO []byte

	// Entry is the entry point as an instruction index.
	Entry uint64

	// Functions maps murmur3 name hashes to instruction indices.
	Functions map[uint32]uint64

	// Syscalls lists the external name hashes the program references.
	Syscalls []uint32

	// TextVaddr is the virtual address .text was linked at.
	TextVaddr uint64
}

// ToProgram converts the executable into the VM's program form.
func (e *Executable) ToProgram() *sbpf.Program {
	return &sbpf.Program{
		Text:      e.Text,
		RO:        e.RO,
		Entry:     e.Entry,
		Functions: e.Functions,
	}
}

// elfHeader is the ELF64 file header.
type elfHeader struct {
	Class    uint8
	Data     uint8
	Type     uint16
	Machine  uint16
	Entry    uint64
	SHOff    uint64
	SHEntSz  uint16
	SHNum    uint16
	SHStrNdx uint16
}

// sectionHeader is an ELF64 section header.
type sectionHeader struct {
	Name    uint32
	Type    uint32
	Flags   uint64
	Addr    uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	Info    uint32
	EntSize uint64
}

// symbol is an ELF64 symbol table entry.
type symbol struct {
	Name  uint32
	Info  uint8
	Shndx uint16
	Value uint64
}

// elfFile holds the parsed container during loading.
type elfFile struct {
	data     []byte
	header   elfHeader
	sections []sectionHeader
	names    []string
}

// Load parses, relocates, and assembles an ELF image into an Executable.
// The caller is expected to run Verify before executing the result.
func Load(data []byte) (*Executable, error) {
	if len(data) > MaxELFSize {
		return nil, ErrTooLarge
	}
	if len(data) < 64 {
		return nil, ErrInvalidELF
	}

	f, err := parse(data)
	if err != nil {
		return nil, err
	}

	textSec := f.section(".text")
	if textSec == nil {
		return nil, ErrNoTextSection
	}
	text, err := f.instructions(textSec)
	if err != nil {
		return nil, err
	}

	var ro []byte
	if sec := f.section(".rodata"); sec != nil {
		if ro, err = f.sectionData(sec); err != nil {
			return nil, err
		}
	}

	syms, strs, err := f.symbolTable()
	if err != nil {
		return nil, err
	}

	functions := make(map[uint32]uint64)
	for _, sym := range syms {
		if sym.Info&0xf != sttFunc || sym.Shndx == 0 {
			continue
		}
		name := cstring(strs, sym.Name)
		if name == "" {
			continue
		}
		functions[syscall.Murmur3(name)] = sym.Value / 8
	}

	var syscalls []uint32
	for _, name := range []string{".rel.text", ".rel.dyn"} {
		sec := f.section(name)
		if sec == nil {
			continue
		}
		if err := f.relocate(sec, text, syms, strs, &syscalls); err != nil {
			return nil, err
		}
	}

	entry := f.header.Entry / 8
	if textSec.Addr > 0 && f.header.Entry >= textSec.Addr {
		entry = (f.header.Entry - textSec.Addr) / 8
	}

	return &Executable{
		Text:      text,
		RO:        ro,
		Entry:     entry,
		Functions: functions,
		Syscalls:  syscalls,
		TextVaddr: textSec.Addr,
	}, nil
}

func parse(data []byte) (*elfFile, error) {
	if !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidELF
	}

	h := elfHeader{
		Class:    data[4],
		Data:     data[5],
		Type:     binary.LittleEndian.Uint16(data[16:18]),
		Machine:  binary.LittleEndian.Uint16(data[18:20]),
		Entry:    binary.LittleEndian.Uint64(data[24:32]),
		SHOff:    binary.LittleEndian.Uint64(data[40:48]),
		SHEntSz:  binary.LittleEndian.Uint16(data[58:60]),
		SHNum:    binary.LittleEndian.Uint16(data[60:62]),
		SHStrNdx: binary.LittleEndian.Uint16(data[62:64]),
	}

	if h.Class != elfClass64 {
		return nil, ErrUnsupportedClass
	}
	if h.Data != elfDataLSB {
		return nil, ErrUnsupportedEndian
	}
	if h.Machine != elfMachineBPF && h.Machine != elfMachineSBPF {
		return nil, ErrUnsupportedMachine
	}
	if h.Type != elfTypeExec && h.Type != elfTypeDyn {
		return nil, fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, h.Type)
	}
	if h.SHNum > MaxSections {
		return nil, fmt.Errorf("%w: too many sections", ErrInvalidELF)
	}

	f := &elfFile{data: data, header: h}
	if err := f.parseSections(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *elfFile) parseSections() error {
	h := f.header
	if h.SHNum == 0 {
		return nil
	}

	end := h.SHOff + uint64(h.SHEntSz)*uint64(h.SHNum)
	if h.SHEntSz < 64 || end > uint64(len(f.data)) || end < h.SHOff {
		return ErrInvalidELF
	}

	f.sections = make([]sectionHeader, h.SHNum)
	for i := range f.sections {
		b := f.data[h.SHOff+uint64(i)*uint64(h.SHEntSz):]
		f.sections[i] = sectionHeader{
			Name:    binary.LittleEndian.Uint32(b[0:4]),
			Type:    binary.LittleEndian.Uint32(b[4:8]),
			Flags:   binary.LittleEndian.Uint64(b[8:16]),
			Addr:    binary.LittleEndian.Uint64(b[16:24]),
			Offset:  binary.LittleEndian.Uint64(b[24:32]),
			Size:    binary.LittleEndian.Uint64(b[32:40]),
			Link:    binary.LittleEndian.Uint32(b[40:44]),
			Info:    binary.LittleEndian.Uint32(b[44:48]),
			EntSize: binary.LittleEndian.Uint64(b[56:64]),
		}
	}

	if h.SHStrNdx >= h.SHNum {
		return ErrInvalidSection
	}
	strs, err := f.sectionData(&f.sections[h.SHStrNdx])
	if err != nil {
		return err
	}
	f.names = make([]string, len(f.sections))
	for i, sec := range f.sections {
		f.names[i] = cstring(strs, sec.Name)
	}
	return nil
}

// section returns the named section header, or nil.
func (f *elfFile) section(name string) *sectionHeader {
	for i, n := range f.names {
		if n == name {
			return &f.sections[i]
		}
	}
	return nil
}

// sectionData returns a copy of the section's bytes. Nobits sections map to
// zero-filled buffers.
func (f *elfFile) sectionData(sec *sectionHeader) ([]byte, error) {
	if sec.Type == shtNobits {
		if sec.Size > MaxELFSize {
			return nil, fmt.Errorf("%w: nobits section too large", ErrInvalidSection)
		}
		return make([]byte, sec.Size), nil
	}
	end := sec.Offset + sec.Size
	if end > uint64(len(f.data)) || end < sec.Offset {
		return nil, ErrInvalidSection
	}
	out := make([]byte, sec.Size)
	copy(out, f.data[sec.Offset:end])
	return out, nil
}

// instructions lifts a section into 8-byte instruction slots.
func (f *elfFile) instructions(sec *sectionHeader) ([]uint64, error) {
	raw, err := f.sectionData(sec)
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: text section not 8-byte aligned", ErrInvalidSection)
	}
	text := make([]uint64, len(raw)/8)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return text, nil
}

// symbolTable returns the symbols and their string table, preferring the
// static table over the dynamic one.
func (f *elfFile) symbolTable() ([]symbol, []byte, error) {
	symSec, strSec := f.section(".symtab"), f.section(".strtab")
	if symSec == nil || strSec == nil {
		symSec, strSec = f.section(".dynsym"), f.section(".dynstr")
	}
	if symSec == nil || strSec == nil {
		return nil, nil, nil
	}

	entSize := symSec.EntSize
	if entSize == 0 {
		entSize = 24
	}
	// ELF64 symbol entries are 24 bytes; anything shorter cannot hold the
	// fields read below.
	if entSize < 24 {
		return nil, nil, fmt.Errorf("%w: symbol entry size %d", ErrInvalidELF, entSize)
	}
	count := symSec.Size / entSize
	if count > MaxSymbols {
		return nil, nil, fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}
	raw, err := f.sectionData(symSec)
	if err != nil {
		return nil, nil, err
	}
	strs, err := f.sectionData(strSec)
	if err != nil {
		return nil, nil, err
	}

	syms := make([]symbol, count)
	for i := range syms {
		b := raw[uint64(i)*entSize:]
		syms[i] = symbol{
			Name:  binary.LittleEndian.Uint32(b[0:4]),
			Info:  b[4],
			Shndx: binary.LittleEndian.Uint16(b[6:8]),
			Value: binary.LittleEndian.Uint64(b[8:16]),
		}
	}
	return syms, strs, nil
}

// relocate applies one relocation section to the text slots. External
// rBPF64_32 targets are recorded as syscall references.
func (f *elfFile) relocate(sec *sectionHeader, text []uint64, syms []symbol, strs []byte, syscalls *[]uint32) error {
	entSize := sec.EntSize
	if entSize == 0 {
		entSize = 24
	}
	// Offset and info alone need 16 bytes per entry.
	if entSize < 16 {
		return fmt.Errorf("%w: relocation entry size %d", ErrInvalidELF, entSize)
	}
	count := sec.Size / entSize
	if count > MaxRelocations {
		return fmt.Errorf("%w: too many relocations", ErrInvalidELF)
	}
	raw, err := f.sectionData(sec)
	if err != nil {
		return err
	}

	for i := uint64(0); i < count; i++ {
		b := raw[i*entSize:]
		offset := binary.LittleEndian.Uint64(b[0:8])
		info := binary.LittleEndian.Uint64(b[8:16])
		var addend int64
		if entSize >= 24 {
			addend = int64(binary.LittleEndian.Uint64(b[16:24]))
		}

		symIdx := info >> 32
		relType := uint32(info)
		if symIdx >= uint64(len(syms)) {
			continue
		}
		sym := syms[symIdx]

		insIdx := offset / 8
		if insIdx >= uint64(len(text)) {
			continue
		}

		switch relType {
		case rBPF64_32:
			// Patch the call immediate with the target's name hash.
			hash := syscall.Murmur3(cstring(strs, sym.Name))
			if sym.Shndx == 0 {
				*syscalls = append(*syscalls, hash)
			}
			text[insIdx] = text[insIdx]&0x00000000FFFFFFFF | uint64(hash)<<32

		case rBPF64_64:
			// lddw target spans two slots.
			if insIdx+1 >= uint64(len(text)) {
				continue
			}
			target := sym.Value + uint64(addend)
			text[insIdx] = text[insIdx]&0x00000000FFFFFFFF | uint64(uint32(target))<<32
			text[insIdx+1] = text[insIdx+1]&0x00000000FFFFFFFF | uint64(uint32(target>>32))<<32

		case rBPFRelative:
			rel := int64(insIdx*8) + addend
			text[insIdx] = text[insIdx]&0x00000000FFFFFFFF | uint64(uint32(rel))<<32
		}
	}
	return nil
}

// cstring reads a NUL-terminated string from a string table.
func cstring(strtab []byte, off uint32) string {
	if off >= uint32(len(strtab)) {
		return ""
	}
	end := bytes.IndexByte(strtab[off:], 0)
	if end == -1 {
		return string(strtab[off:])
	}
	return string(strtab[off : off+uint32(end)])
}

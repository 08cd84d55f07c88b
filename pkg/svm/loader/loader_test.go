package loader

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/X1-Harness/pkg/svm"
	"github.com/fortiblox/X1-Harness/pkg/svm/sbpf"
	"github.com/fortiblox/X1-Harness/pkg/svm/syscall"
)

// buildELF assembles a minimal sBPF shared object with the given text
// slots: null section, .text, and .shstrtab.
func buildELF(text []uint64) []byte {
	const (
		headerSize  = 64
		sectionSize = 64
		numSections = 3
	)
	shstrtab := []byte("\x00.text\x00.shstrtab\x00")
	textOff := headerSize + numSections*sectionSize
	strOff := textOff + len(text)*8

	buf := make([]byte, strOff+len(shstrtab))

	copy(buf[0:4], elfMagic)
	buf[4] = elfClass64
	buf[5] = elfDataLSB
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:18], elfTypeDyn)
	binary.LittleEndian.PutUint16(buf[18:20], elfMachineSBPF)
	binary.LittleEndian.PutUint64(buf[24:32], 0) // entry
	binary.LittleEndian.PutUint64(buf[40:48], headerSize)
	binary.LittleEndian.PutUint16(buf[58:60], sectionSize)
	binary.LittleEndian.PutUint16(buf[60:62], numSections)
	binary.LittleEndian.PutUint16(buf[62:64], 2) // shstrndx

	writeSection := func(idx int, name uint32, typ uint32, off, size uint64) {
		b := buf[headerSize+idx*sectionSize:]
		binary.LittleEndian.PutUint32(b[0:4], name)
		binary.LittleEndian.PutUint32(b[4:8], typ)
		binary.LittleEndian.PutUint64(b[24:32], off)
		binary.LittleEndian.PutUint64(b[32:40], size)
	}
	writeSection(1, 1, shtProgbits, uint64(textOff), uint64(len(text)*8))
	writeSection(2, 7, shtStrtab, uint64(strOff), uint64(len(shstrtab)))

	for i, slot := range text {
		binary.LittleEndian.PutUint64(buf[textOff+i*8:], slot)
	}
	copy(buf[strOff:], shstrtab)
	return buf
}

func TestLoadMinimalProgram(t *testing.T) {
	text := []uint64{
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 7),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	}

	exec, err := Load(buildELF(text))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(exec.Text) != 2 {
		t.Fatalf("text slots = %d, want 2", len(exec.Text))
	}
	if exec.Text[0] != text[0] || exec.Text[1] != text[1] {
		t.Error("text slots do not match source")
	}
	if exec.Entry != 0 {
		t.Errorf("entry = %d, want 0", exec.Entry)
	}
}

func TestLoadRejectsInvalidInput(t *testing.T) {
	badMachine := buildELF([]uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)})
	binary.LittleEndian.PutUint16(badMachine[18:20], 62) // x86-64

	badClass := buildELF([]uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)})
	badClass[4] = 1 // 32-bit

	bigEndian := buildELF([]uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)})
	bigEndian[5] = 2

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrInvalidELF},
		{"short", []byte{0x7f, 'E', 'L', 'F'}, ErrInvalidELF},
		{"bad magic", make([]byte, 64), ErrInvalidELF},
		{"wrong machine", badMachine, ErrUnsupportedMachine},
		{"32-bit class", badClass, ErrUnsupportedClass},
		{"big endian", bigEndian, ErrUnsupportedEndian},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Load() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadRejectsOversizedImage(t *testing.T) {
	_, err := Load(make([]byte, MaxELFSize+1))
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestCString(t *testing.T) {
	strtab := []byte("\x00hello\x00world\x00")

	tests := []struct {
		offset uint32
		want   string
	}{
		{0, ""},
		{1, "hello"},
		{7, "world"},
		{100, ""},
	}

	for _, tt := range tests {
		if got := cstring(strtab, tt.offset); got != tt.want {
			t.Errorf("cstring(strtab, %d) = %q, want %q", tt.offset, got, tt.want)
		}
	}
}

func TestVerify(t *testing.T) {
	features := svm.AllFeaturesEnabled()
	exit := sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)

	tests := []struct {
		name    string
		text    []uint64
		wantErr bool
	}{
		{
			name:    "minimal valid",
			text:    []uint64{sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 1), exit},
			wantErr: false,
		},
		{
			name:    "empty text",
			text:    nil,
			wantErr: true,
		},
		{
			name:    "unknown opcode",
			text:    []uint64{sbpf.Encode(0xff, 0, 0, 0, 0), exit},
			wantErr: true,
		},
		{
			name: "truncated lddw",
			text: []uint64{sbpf.Encode(sbpf.OpLddw, 0, 0, 0, 1)},
			wantErr: true,
		},
		{
			name: "valid lddw",
			text: []uint64{
				sbpf.Encode(sbpf.OpLddw, 0, 0, 0, 1),
				sbpf.Encode(0, 0, 0, 0, 2),
				exit,
			},
			wantErr: false,
		},
		{
			name:    "jump out of bounds",
			text:    []uint64{sbpf.Encode(sbpf.OpJa, 0, 0, 10, 0), exit},
			wantErr: true,
		},
		{
			name: "jump into lddw second slot",
			text: []uint64{
				sbpf.Encode(sbpf.OpJa, 0, 0, 1, 0),
				sbpf.Encode(sbpf.OpLddw, 0, 0, 0, 1),
				sbpf.Encode(0, 0, 0, 0, 2),
				exit,
			},
			wantErr: true,
		},
		{
			name:    "write to frame register",
			text:    []uint64{sbpf.Encode(sbpf.OpMov64Imm, 10, 0, 0, 0), exit},
			wantErr: true,
		},
		{
			name: "store through frame register allowed",
			text: []uint64{sbpf.Encode(sbpf.OpStxdw, 10, 0, -8, 0), exit},
			wantErr: false,
		},
		{
			name:    "division by zero immediate",
			text:    []uint64{sbpf.Encode(sbpf.ClassAlu64|sbpf.AluDiv, 0, 0, 0, 0), exit},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &Executable{Text: tt.text}
			err := Verify(exec, features, 0)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyJmp32Gating(t *testing.T) {
	text := []uint64{
		sbpf.Encode(sbpf.ClassJmp32|sbpf.JmpJeq, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	}
	exec := &Executable{Text: text}

	if err := Verify(exec, svm.AllFeaturesEnabled(), 0); err != nil {
		t.Errorf("jmp32 with feature enabled: %v", err)
	}

	bare := svm.FeatureSet{}
	if err := Verify(exec, bare, 0); err == nil {
		t.Error("jmp32 without feature: expected error")
	}
}

func TestVerifyInstructionLimit(t *testing.T) {
	text := make([]uint64, 10)
	for i := range text {
		text[i] = sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 0)
	}
	text[len(text)-1] = sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)

	if err := Verify(&Executable{Text: text}, svm.AllFeaturesEnabled(), 5); !errors.Is(err, ErrTooManyInstructions) {
		t.Errorf("err = %v, want ErrTooManyInstructions", err)
	}
	if err := Verify(&Executable{Text: text}, svm.AllFeaturesEnabled(), 10); err != nil {
		t.Errorf("at limit: %v", err)
	}
}

func TestExecutableToProgram(t *testing.T) {
	exec := &Executable{
		Text:      []uint64{1, 2},
		RO:        []byte{1, 2, 3},
		Entry:     1,
		Functions: map[uint32]uint64{0x100: 5},
	}

	prog := exec.ToProgram()
	if len(prog.Text) != 2 || len(prog.RO) != 3 || prog.Entry != 1 || len(prog.Functions) != 1 {
		t.Errorf("ToProgram() = %+v", prog)
	}
}

// testSection is one extra section for buildELFWithSections: a name offset
// into the fixed shstrtab, type, declared entry size, and raw contents. A
// nonzero size overrides the declared section size.
type testSection struct {
	name    uint32
	typ     uint32
	entSize uint64
	size    uint64
	data    []byte
}

// Name offsets into the shstrtab used by buildELFWithSections.
const (
	secNameText     = 1
	secNameSymtab   = 7
	secNameStrtab   = 15
	secNameRelText  = 23
	secNameRodata   = 33
	secNameShstrtab = 41
)

// buildELFWithSections assembles an image with the given text plus extra
// sections, for probing the loader's section bounds handling.
func buildELFWithSections(text []uint64, extra ...testSection) []byte {
	const headerSize = 64
	const sectionSize = 64
	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.rel.text\x00.rodata\x00.shstrtab\x00")

	numSections := 3 + len(extra)
	dataOff := headerSize + numSections*sectionSize

	textOff := dataOff
	off := textOff + len(text)*8
	extraOffs := make([]int, len(extra))
	for i, sec := range extra {
		extraOffs[i] = off
		off += len(sec.data)
	}
	strOff := off

	buf := make([]byte, strOff+len(shstrtab))

	copy(buf[0:4], elfMagic)
	buf[4] = elfClass64
	buf[5] = elfDataLSB
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:18], elfTypeDyn)
	binary.LittleEndian.PutUint16(buf[18:20], elfMachineSBPF)
	binary.LittleEndian.PutUint64(buf[40:48], headerSize)
	binary.LittleEndian.PutUint16(buf[58:60], sectionSize)
	binary.LittleEndian.PutUint16(buf[60:62], uint16(numSections))
	binary.LittleEndian.PutUint16(buf[62:64], uint16(numSections-1))

	writeSection := func(idx int, name, typ uint32, off, size, entSize uint64) {
		b := buf[headerSize+idx*sectionSize:]
		binary.LittleEndian.PutUint32(b[0:4], name)
		binary.LittleEndian.PutUint32(b[4:8], typ)
		binary.LittleEndian.PutUint64(b[24:32], off)
		binary.LittleEndian.PutUint64(b[32:40], size)
		binary.LittleEndian.PutUint64(b[56:64], entSize)
	}
	writeSection(1, secNameText, shtProgbits, uint64(textOff), uint64(len(text)*8), 0)
	for i, sec := range extra {
		size := uint64(len(sec.data))
		if sec.size != 0 {
			size = sec.size
		}
		writeSection(2+i, sec.name, sec.typ, uint64(extraOffs[i]), size, sec.entSize)
	}
	writeSection(numSections-1, secNameShstrtab, shtStrtab, uint64(strOff), uint64(len(shstrtab)), 0)

	for i, slot := range text {
		binary.LittleEndian.PutUint64(buf[textOff+i*8:], slot)
	}
	for i, sec := range extra {
		copy(buf[extraOffs[i]:], sec.data)
	}
	copy(buf[strOff:], shstrtab)
	return buf
}

func exitText() []uint64 {
	return []uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)}
}

func TestLoadRejectsShortSymbolEntries(t *testing.T) {
	// Entries shorter than an ELF64 symbol cannot hold the fields the
	// loader reads; a crafted entry size must fail, not fault.
	elf := buildELFWithSections(exitText(),
		testSection{name: secNameSymtab, typ: shtSymtab, entSize: 8, data: make([]byte, 8)},
		testSection{name: secNameStrtab, typ: shtStrtab, data: []byte{0}},
	)

	if _, err := Load(elf); !errors.Is(err, ErrInvalidELF) {
		t.Errorf("err = %v, want ErrInvalidELF", err)
	}
}

func TestLoadResolvesSymbols(t *testing.T) {
	sym := make([]byte, 24)
	binary.LittleEndian.PutUint32(sym[0:4], 1) // name "fn"
	sym[4] = sttFunc
	binary.LittleEndian.PutUint16(sym[6:8], 1) // defined in .text
	binary.LittleEndian.PutUint64(sym[8:16], 0)

	elf := buildELFWithSections(exitText(),
		testSection{name: secNameSymtab, typ: shtSymtab, entSize: 24, data: sym},
		testSection{name: secNameStrtab, typ: shtStrtab, data: []byte("\x00fn\x00")},
	)

	exec, err := Load(elf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, ok := exec.Functions[syscall.Murmur3("fn")]; !ok || got != 0 {
		t.Errorf("Functions = %v, want fn at slot 0", exec.Functions)
	}
}

func TestLoadRejectsShortRelocationEntries(t *testing.T) {
	elf := buildELFWithSections(exitText(),
		testSection{name: secNameRelText, typ: shtRel, entSize: 8, data: make([]byte, 8)},
	)

	if _, err := Load(elf); !errors.Is(err, ErrInvalidELF) {
		t.Errorf("err = %v, want ErrInvalidELF", err)
	}
}

func TestLoadRejectsHugeNobitsSection(t *testing.T) {
	elf := buildELFWithSections(exitText(),
		testSection{name: secNameRodata, typ: shtNobits, size: MaxELFSize + 1},
	)

	if _, err := Load(elf); !errors.Is(err, ErrInvalidSection) {
		t.Errorf("err = %v, want ErrInvalidSection", err)
	}
}

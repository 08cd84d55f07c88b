package harness

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// ErrProgramFileNotFound means no .so or .so.zst for the program name was
// found in any search directory.
var ErrProgramFileNotFound = errors.New("program file not found")

// Environment variables naming program build output directories, checked in
// order before the fixture directory.
const (
	EnvSBFOutDir = "SBF_OUT_DIR"
	EnvBPFOutDir = "BPF_OUT_DIR"

	fixturesDir = "tests/fixtures"
)

// LoadProgramELF resolves a program name to raw ELF bytes. Each search
// directory is probed for <name>.so and then zstd-compressed <name>.so.zst.
func LoadProgramELF(name string) ([]byte, error) {
	var dirs []string
	if d := os.Getenv(EnvSBFOutDir); d != "" {
		dirs = append(dirs, d)
	}
	if d := os.Getenv(EnvBPFOutDir); d != "" {
		dirs = append(dirs, d)
	}
	dirs = append(dirs, fixturesDir)

	for _, dir := range dirs {
		if data, err := os.ReadFile(filepath.Join(dir, name+".so")); err == nil {
			return data, nil
		}
		if data, err := os.ReadFile(filepath.Join(dir, name+".so.zst")); err == nil {
			return decompressELF(data)
		}
	}

	return nil, fmt.Errorf("%w: %q in %v", ErrProgramFileNotFound, name, dirs)
}

// decompressELF inflates a zstd-compressed program image.
func decompressELF(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress program: %w", err)
	}
	return out, nil
}

// compressELF is the inverse of decompressELF, used to build compressed
// fixtures.
func compressELF(w io.Writer, data []byte) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

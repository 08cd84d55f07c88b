package harness

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fortiblox/X1-Harness/internal/types"
	"github.com/fortiblox/X1-Harness/pkg/svm"
	"github.com/fortiblox/X1-Harness/pkg/svm/loader"
)

// Cache errors.
var (
	ErrProgramNotFound   = errors.New("program not found in cache")
	ErrProgramLoadFailed = errors.New("program load failed")
)

// Builtin is a natively implemented program entrypoint. It receives the
// per-call invocation state and the raw instruction data.
type Builtin func(inv *NativeInvocation, data []byte) error

// LoadMetrics records how long a bytecode entry took to build.
type LoadMetrics struct {
	// LoadTimeUS is the ELF parse and relocation time in microseconds.
	LoadTimeUS uint64

	// VerifyTimeUS is the bytecode verification time in microseconds.
	VerifyTimeUS uint64
}

// CacheEntry is one resolvable program: either a builtin with a native
// entrypoint, or a verified bytecode executable under a loader.
type CacheEntry struct {
	// Name is a human-readable program name for diagnostics.
	Name string

	// Builtin is the native entrypoint; nil for bytecode entries.
	Builtin Builtin

	// LoaderID is the owning loader for bytecode entries.
	LoaderID types.Pubkey

	// Executable is the verified image; nil for builtins.
	Executable *loader.Executable

	// Metrics captures build timing for bytecode entries.
	Metrics LoadMetrics

	// invocations counts executions through this entry. Guarded by the
	// cache lock, which Process holds for the invocation.
	invocations uint64
}

// IsBuiltin reports whether the entry dispatches natively.
func (e *CacheEntry) IsBuiltin() bool { return e.Builtin != nil }

// Invocations returns how many times this entry has been executed.
func (e *CacheEntry) Invocations() uint64 { return e.invocations }

// ProgramCache holds the programs a harness can invoke, keyed by program
// identity. One cache belongs to one harness; writes take the exclusive
// lock, and Process holds it for the invocation because execution bumps
// entry statistics.
type ProgramCache struct {
	mu      sync.RWMutex
	entries map[types.Pubkey]*CacheEntry
}

// NewProgramCache creates an empty cache.
func NewProgramCache() *ProgramCache {
	return &ProgramCache{entries: make(map[types.Pubkey]*CacheEntry)}
}

// Add builds a verified executable from raw ELF bytes and replenishes the
// entry for programID. Parse or verification failure propagates and leaves
// any existing entry for programID untouched. Re-adding an identity is
// last-write-wins.
func (c *ProgramCache) Add(programID, loaderID types.Pubkey, elf []byte, budget svm.ComputeBudget, features svm.FeatureSet) error {
	loadStart := time.Now()
	exec, err := loader.Load(elf)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrProgramLoadFailed, programID, err)
	}
	loadTime := time.Since(loadStart)

	verifyStart := time.Now()
	if err := loader.Verify(exec, features, budget.MaxLoadedInstructions); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrProgramLoadFailed, programID, err)
	}
	verifyTime := time.Since(verifyStart)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[programID] = &CacheEntry{
		Name:       programID.String(),
		LoaderID:   loaderID,
		Executable: exec,
		Metrics: LoadMetrics{
			LoadTimeUS:   uint64(loadTime.Microseconds()),
			VerifyTimeUS: uint64(verifyTime.Microseconds()),
		},
	}
	return nil
}

// AddBuiltin registers a natively implemented program. No verification.
func (c *ProgramCache) AddBuiltin(programID types.Pubkey, name string, entry Builtin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[programID] = &CacheEntry{Name: name, Builtin: entry}
}

// Lookup returns the entry for programID under a read lock.
func (c *ProgramCache) Lookup(programID types.Pubkey) (*CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[programID]
	return e, ok
}

// Len returns the number of cached programs.
func (c *ProgramCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// lookupLocked resolves programID with the lock already held by the caller.
func (c *ProgramCache) lookupLocked(programID types.Pubkey) (*CacheEntry, bool) {
	e, ok := c.entries[programID]
	return e, ok
}

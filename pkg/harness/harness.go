package harness

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/fortiblox/X1-Harness/internal/types"
	"github.com/fortiblox/X1-Harness/pkg/svm"
	"github.com/fortiblox/X1-Harness/pkg/svm/programs/system"
)

// Logging is configured once per process. Set X1_HARNESS_LOG to any value
// to get per-invocation debug lines on stderr.
var (
	logOnce  sync.Once
	debugLog bool
)

func initLogging() {
	logOnce.Do(func() {
		if os.Getenv("X1_HARNESS_LOG") != "" {
			debugLog = true
			log.SetFlags(log.Ltime | log.Lmicroseconds)
		}
	})
}

func debugf(format string, args ...any) {
	if debugLog {
		log.Printf("harness: "+format, args...)
	}
}

// Harness is one isolated execution environment. Construct it once per test
// session; configure it up front, then share it read-only. Concurrent
// ProcessInstruction calls are safe as long as no Add/Warp mutation is in
// flight.
type Harness struct {
	// ProgramID is the default target program.
	ProgramID types.Pubkey

	// ProgramAccount is the account backing the default target program.
	ProgramAccount Account

	// ComputeBudget bounds each invocation.
	ComputeBudget svm.ComputeBudget

	// Features gates optional VM capabilities, consulted at program load.
	Features svm.FeatureSet

	// Fees holds the static fee parameters of the environment.
	Fees svm.FeeStructure

	// Sysvars is the environment's sysvar snapshot.
	Sysvars Sysvars

	cache *ProgramCache
}

// New creates a harness with default budget, all features enabled, and the
// builtin platform programs registered. The default target is the system
// program.
func New() *Harness {
	initLogging()

	h := &Harness{
		ProgramID:      SystemProgramID,
		ProgramAccount: BuiltinProgramAccount("system_program"),
		ComputeBudget:  svm.DefaultComputeBudget(),
		Features:       svm.AllFeaturesEnabled(),
		Fees:           svm.DefaultFeeStructure(),
		Sysvars:        DefaultSysvars(),
		cache:          NewProgramCache(),
	}
	registerDefaultBuiltins(h.cache)
	return h
}

// NewWithProgram creates a harness whose default target is a BPF program
// resolved by name through the ELF search paths.
func NewWithProgram(programID types.Pubkey, name string) (*Harness, error) {
	h := New()
	elf, err := LoadProgramELF(name)
	if err != nil {
		return nil, err
	}
	if err := h.AddProgram(programID, elf); err != nil {
		return nil, err
	}
	h.ProgramID = programID
	h.ProgramAccount = ProgramAccount(BPFLoaderID, elf)
	return h, nil
}

// registerDefaultBuiltins seeds a cache with the platform programs every
// harness carries. Loader identities resolve but reject direct invocation.
func registerDefaultBuiltins(c *ProgramCache) {
	c.AddBuiltin(SystemProgramID, "system_program", func(inv *NativeInvocation, data []byte) error {
		return system.Execute(inv, data)
	})

	rejectDirect := func(inv *NativeInvocation, data []byte) error {
		return svm.ErrUnsupportedProgram
	}
	c.AddBuiltin(BPFLoaderID, "bpf_loader", rejectDirect)
	c.AddBuiltin(BPFLoaderUpgradeableID, "bpf_loader_upgradeable", rejectDirect)
}

// AddProgram verifies raw ELF bytes under the current budget and feature
// set and registers them for programID. Verification failure propagates
// and leaves any prior registration intact.
func (h *Harness) AddProgram(programID types.Pubkey, elf []byte) error {
	return h.cache.Add(programID, BPFLoaderID, elf, h.ComputeBudget, h.Features)
}

// AddProgramWithELF resolves a program by name through the ELF search paths
// and registers it.
func (h *Harness) AddProgramWithELF(programID types.Pubkey, name string) error {
	elf, err := LoadProgramELF(name)
	if err != nil {
		return err
	}
	return h.AddProgram(programID, elf)
}

// AddBuiltin registers a natively implemented program.
func (h *Harness) AddBuiltin(programID types.Pubkey, name string, entry Builtin) {
	h.cache.AddBuiltin(programID, name, entry)
}

// Cache exposes the program cache for inspection.
func (h *Harness) Cache() *ProgramCache { return h.cache }

// WarpToSlot moves the sysvar clock to slot, recomputing derived fields.
func (h *Harness) WarpToSlot(slot uint64) {
	h.Sysvars.WarpToSlot(slot)
}

// ProcessInstruction executes one instruction against clones of the given
// accounts and returns everything observable about the execution. VM and
// program failures are captured in the result, never raised; the input
// accounts are never mutated.
func (h *Harness) ProcessInstruction(ix Instruction, accounts []KeyedAccount) InstructionResult {
	ctx := h.buildContext(ix, accounts)
	meter := svm.NewComputeMeter(h.ComputeBudget.ComputeUnitLimit)
	inv := &invocation{programID: ix.ProgramID}

	// The invocation holds the cache lock: execution updates entry
	// statistics, so Process serializes against Add and other Process
	// calls on the same cache.
	start := time.Now()
	var execErr error
	h.cache.mu.Lock()
	if entry, ok := h.cache.lookupLocked(ix.ProgramID); ok {
		execErr = h.invoke(ctx, entry, meter, inv)
		entry.invocations++
	} else {
		execErr = svm.ErrUnsupportedProgram
	}
	h.cache.mu.Unlock()
	elapsed := time.Since(start)

	debugf("program %s consumed %d of %d compute units: %v",
		ix.ProgramID, meter.Consumed(), meter.Limit(), execErr)

	return InstructionResult{
		ComputeUnitsConsumed: meter.Consumed(),
		ExecutionTime:        uint64(elapsed.Microseconds()),
		ProgramResult:        ProgramResult{Err: execErr},
		ResultingAccounts:    ctx.deconstruct(),
		Logs:                 inv.logs,
		ReturnData:           inv.returnData,
	}
}

// ProcessAndValidateInstruction processes the instruction and then runs
// every check, panicking with a report naming each failing check.
func (h *Harness) ProcessAndValidateInstruction(ix Instruction, accounts []KeyedAccount, checks []Check) InstructionResult {
	result := h.ProcessInstruction(ix, accounts)
	RunChecks(&result, checks)
	return result
}

package harness

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/fortiblox/X1-Harness/internal/types"
)

// Check is one declarative assertion against an InstructionResult. Checks
// are stateless values, built with the Check* constructors and reusable
// across calls.
type Check struct {
	eval func(r *InstructionResult) error
}

// CheckSuccess asserts the program completed without error.
func CheckSuccess() Check {
	return Check{eval: func(r *InstructionResult) error {
		if !r.ProgramResult.Success() {
			return fmt.Errorf("expected success, got error: %v", r.ProgramResult.Err)
		}
		return nil
	}}
}

// CheckErr asserts the program failed with the given typed error.
func CheckErr(want error) Check {
	return Check{eval: func(r *InstructionResult) error {
		if r.ProgramResult.Success() {
			return fmt.Errorf("expected error %v, got success", want)
		}
		if !errors.Is(r.ProgramResult.Err, want) {
			return fmt.Errorf("expected error %v, got %v", want, r.ProgramResult.Err)
		}
		return nil
	}}
}

// CheckErrorCode asserts the program failed with a custom error code.
func CheckErrorCode(code uint64) Check {
	return Check{eval: func(r *InstructionResult) error {
		got, ok := r.ProgramResult.ErrorCode()
		if !ok {
			return fmt.Errorf("expected custom error code 0x%x, got %v", code, r.ProgramResult.Err)
		}
		if got != code {
			return fmt.Errorf("expected custom error code 0x%x, got 0x%x", code, got)
		}
		return nil
	}}
}

// CheckComputeUnits asserts exact compute consumption.
func CheckComputeUnits(units uint64) Check {
	return Check{eval: func(r *InstructionResult) error {
		if r.ComputeUnitsConsumed != units {
			return fmt.Errorf("expected %d compute units, consumed %d", units, r.ComputeUnitsConsumed)
		}
		return nil
	}}
}

// CheckReturnData asserts the program's return data.
func CheckReturnData(data []byte) Check {
	return Check{eval: func(r *InstructionResult) error {
		if !bytes.Equal(r.ReturnData, data) {
			return fmt.Errorf("expected return data %x, got %x", data, r.ReturnData)
		}
		return nil
	}}
}

// CheckAccountLamports asserts an account's balance by identity.
func CheckAccountLamports(key types.Pubkey, lamports uint64) Check {
	return checkAccount(key, func(a Account) error {
		if a.Lamports != lamports {
			return fmt.Errorf("lamports = %d, want %d", a.Lamports, lamports)
		}
		return nil
	})
}

// CheckAccountOwner asserts an account's owner by identity.
func CheckAccountOwner(key types.Pubkey, owner types.Pubkey) Check {
	return checkAccount(key, func(a Account) error {
		if a.Owner != owner {
			return fmt.Errorf("owner = %s, want %s", a.Owner, owner)
		}
		return nil
	})
}

// CheckAccountData asserts an account's data by identity.
func CheckAccountData(key types.Pubkey, data []byte) Check {
	return checkAccount(key, func(a Account) error {
		if !bytes.Equal(a.Data, data) {
			return fmt.Errorf("data = %x, want %x", a.Data, data)
		}
		return nil
	})
}

// CheckAccountExecutable asserts an account's executable flag by identity.
func CheckAccountExecutable(key types.Pubkey, executable bool) Check {
	return checkAccount(key, func(a Account) error {
		if a.Executable != executable {
			return fmt.Errorf("executable = %v, want %v", a.Executable, executable)
		}
		return nil
	})
}

// CheckAccountPredicate asserts an arbitrary named predicate over an
// account. The name appears in failure reports.
func CheckAccountPredicate(key types.Pubkey, name string, pred func(Account) bool) Check {
	return checkAccount(key, func(a Account) error {
		if !pred(a) {
			return fmt.Errorf("predicate %q failed", name)
		}
		return nil
	})
}

// CheckAccountsDigest asserts the blake3 digest of the full resulting
// account set.
func CheckAccountsDigest(want types.Hash) Check {
	return Check{eval: func(r *InstructionResult) error {
		if got := r.AccountsDigest(); got != want {
			return fmt.Errorf("accounts digest = %s, want %s", got, want)
		}
		return nil
	}}
}

func checkAccount(key types.Pubkey, assert func(Account) error) Check {
	return Check{eval: func(r *InstructionResult) error {
		account, ok := r.GetAccount(key)
		if !ok {
			return fmt.Errorf("account %s not in result", key)
		}
		if err := assert(account); err != nil {
			return fmt.Errorf("account %s: %w", key, err)
		}
		return nil
	}}
}

// Validate evaluates every check and aggregates all failures into one
// error. Passing checks never appear in the report; a nil return means
// everything passed.
func (r *InstructionResult) Validate(checks []Check) error {
	var failures []string
	for i, c := range checks {
		if err := c.eval(r); err != nil {
			failures = append(failures, fmt.Sprintf("  check %d: %v", i, err))
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d checks failed:\n%s", len(failures), len(checks), strings.Join(failures, "\n"))
}

// RunChecks validates the result and panics with the aggregate report on
// any failure. Used by ProcessAndValidateInstruction to abort the calling
// test loudly; the harness itself stays usable.
func RunChecks(r *InstructionResult, checks []Check) {
	if err := r.Validate(checks); err != nil {
		panic(err)
	}
}

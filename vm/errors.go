package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/verdict/pkg/bytecode"
)

// Fatal error classes. Each one means the program and the interpreter
// disagree about the bytecode contract, or the scan was cut short; none of
// them is a rule outcome. Undefined values cover every recoverable case.
var (
	ErrUnknownOpcode     = bytecode.ErrUnknownOpcode
	ErrMalformedOperand  = errors.New("malformed operand")
	ErrStackOverflow     = errors.New("evaluation stack overflow")
	ErrStackUnderflow    = errors.New("evaluation stack underflow")
	ErrContractViolation = errors.New("contract violation")
	ErrLoopNesting       = errors.New("loop nesting exceeds limit")
	ErrAborted           = errors.New("scan aborted")
)

// FatalError aborts a scan. It records the instruction that failed.
type FatalError struct {
	Op     bytecode.Opcode
	Offset int
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("vm: %s at %04X: %v", e.Op, e.Offset, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// fault is panicked inside dispatch and recovered into a FatalError by Run.
type fault struct {
	err error
}

func throw(err error) {
	panic(fault{err: err})
}

func throwf(class error, format string, args ...any) {
	panic(fault{err: fmt.Errorf("%w: %s", class, fmt.Sprintf(format, args...))})
}

// contract wraps an object-model error as a contract violation.
func contract(err error) {
	panic(fault{err: fmt.Errorf("%w: %w", ErrContractViolation, err)})
}

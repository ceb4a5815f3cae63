package patchlib

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedArchitecture is returned when no Profile exists for a mode.
	ErrUnsupportedArchitecture = errors.New("unsupported architecture mode")
	// ErrEncoding is returned when the assembler rejects an instruction or
	// produces an encoding of an unexpected size.
	ErrEncoding = errors.New("encoding error")
	// ErrDecoding is returned when the disassembler cannot decode an
	// instruction which needs to be relocated.
	ErrDecoding = errors.New("decoding failure")
	// ErrOutOfRangeLiteral is returned when generated code does not fit in the
	// space reserved for it.
	ErrOutOfRangeLiteral = errors.New("out of range literal")
	// ErrUnrelocatable is returned for instructions which cannot be moved to
	// another address without changing their meaning.
	ErrUnrelocatable = errors.New("unrelocatable instruction")
	// ErrOutOfBounds is returned for reads and writes past the end of the
	// image.
	ErrOutOfBounds = errors.New("address out of bounds")
)

// AsmError describes a failed call to the assembler or disassembler.
type AsmError struct {
	Op   string // assemble or disassemble
	Text string // instruction text (assemble) or hex bytes (disassemble)
	Addr Abs
	Err  error
}

func (e *AsmError) Error() string {
	return fmt.Sprintf("%s %q at %s: %v", e.Op, e.Text, e.Addr, e.Err)
}

func (e *AsmError) Unwrap() error {
	return e.Err
}

// wrapAsm makes err an AsmError which matches kind with errors.Is.
func wrapAsm(op, text string, at Abs, kind, err error) error {
	if err == nil {
		err = kind
	} else if !errors.Is(err, kind) {
		err = fmt.Errorf("%w: %v", kind, err)
	}
	return &AsmError{Op: op, Text: text, Addr: at, Err: err}
}

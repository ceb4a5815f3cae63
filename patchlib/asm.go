package patchlib

import (
	"encoding/hex"
	"strings"
)

// Assembler turns instruction text into machine code. Multiple instructions
// may be separated by semicolons. Branch targets are written as absolute
// immediates (e.g. "b #0x8001000") and resolved relative to at.
type Assembler interface {
	Assemble(text string, at Abs) ([]byte, error)
}

// Disassembler decodes a single instruction from the start of code. An
// Instruction with a zero Len means the bytes could not be decoded; the error
// is reserved for failures of the service itself.
type Disassembler interface {
	Disassemble(code []byte, at Abs) (Instruction, error)
}

// Instruction is a decoded instruction. Operands use the conventional ARM
// syntax with lowercase register names, and branch targets are absolute
// immediates.
type Instruction struct {
	Addr     Abs
	Len      int
	Mnemonic string
	Operands string
}

// Text returns the instruction in a form which can be passed back to an
// Assembler.
func (i Instruction) Text() string {
	if i.Operands == "" {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + i.Operands
}

func (i Instruction) String() string {
	return i.Addr.String() + ": " + i.Text()
}

// SplitText splits assembly text into its individual statements.
func SplitText(text string) []string {
	var r []string
	for _, s := range strings.Split(text, ";") {
		if s = strings.TrimSpace(s); s != "" {
			r = append(r, s)
		}
	}
	return r
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}

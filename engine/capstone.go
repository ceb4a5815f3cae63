package engine

import (
	"fmt"

	"github.com/knightsc/gapstone"
	"github.com/pgaskin/armhook/patchlib"
)

// disassembler is the part of a Capstone engine used by Capstone.
type disassembler interface {
	Disasm(input []byte, address, count uint64) ([]gapstone.Instruction, error)
	Close() error
}

// Capstone disassembles code with the Capstone engine. Decoded instructions
// are cached by their bytes and address, since layout passes decode the same
// displaced code repeatedly. It is not safe for concurrent use.
type Capstone struct {
	mode  patchlib.Mode
	cs    disassembler
	cache map[csKey]patchlib.Instruction
}

type csKey struct {
	code string
	at   patchlib.Abs
}

// NewCapstone opens a Capstone engine for a mode.
func NewCapstone(m patchlib.Mode) (*Capstone, error) {
	var cs gapstone.Engine
	var err error
	switch m {
	case patchlib.ModeARM:
		cs, err = gapstone.New(gapstone.CS_ARCH_ARM, gapstone.CS_MODE_ARM)
	case patchlib.ModeThumb2, patchlib.ModeThumb:
		cs, err = gapstone.New(gapstone.CS_ARCH_ARM, gapstone.CS_MODE_THUMB)
	default:
		return nil, fmt.Errorf("capstone: %w: %s", patchlib.ErrUnsupportedArchitecture, m)
	}
	if err != nil {
		return nil, fmt.Errorf("capstone: open: %w", err)
	}
	return newCapstone(m, &cs), nil
}

func newCapstone(m patchlib.Mode, cs disassembler) *Capstone {
	return &Capstone{m, cs, map[csKey]patchlib.Instruction{}}
}

// Disassemble implements patchlib.Disassembler. Capstone reports bytes it
// cannot decode as an error, which is an undecodable instruction here.
func (c *Capstone) Disassemble(code []byte, at patchlib.Abs) (patchlib.Instruction, error) {
	in := patchlib.Instruction{Addr: at}
	if len(code) > 4 {
		code = code[:4]
	}
	if len(code) < 2 {
		return in, nil
	}
	key := csKey{string(code), at}
	if v, ok := c.cache[key]; ok {
		return v, nil
	}
	insns, err := c.cs.Disasm(code, uint64(at), 1)
	if err == nil && len(insns) != 0 {
		if n := int(insns[0].Size); n > 0 && n <= len(code) {
			in.Len, in.Mnemonic, in.Operands = n, insns[0].Mnemonic, insns[0].OpStr
		}
	}
	c.cache[key] = in
	return in, nil
}

// Mode returns the instruction set mode.
func (c *Capstone) Mode() patchlib.Mode {
	return c.mode
}

// Close closes the engine.
func (c *Capstone) Close() error {
	return c.cs.Close()
}

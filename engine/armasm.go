package engine

import (
	"fmt"
	"strings"

	"github.com/pgaskin/armhook/patchlib"
	"rsc.io/arm/armasm"
)

// ARM is a pure-Go disassembler for 32-bit ARM code. The text it produces
// matches Capstone closely enough to be assembled again by Keystone: lowercase
// mnemonics with condition suffixes, and absolute branch targets.
type ARM struct{}

// NewARM returns an ARM disassembler. Only ModeARM is supported, since the
// decoder has no Thumb tables.
func NewARM(m patchlib.Mode) (*ARM, error) {
	if m != patchlib.ModeARM {
		return nil, fmt.Errorf("armasm: %w: %s", patchlib.ErrUnsupportedArchitecture, m)
	}
	return &ARM{}, nil
}

// Disassemble implements patchlib.Disassembler.
func (*ARM) Disassemble(code []byte, at patchlib.Abs) (patchlib.Instruction, error) {
	in := patchlib.Instruction{Addr: at}
	inst, err := armasm.Decode(code, armasm.ModeARM)
	if err != nil {
		return in, nil
	}
	in.Len = inst.Len
	in.Mnemonic, in.Operands = formatARM(inst, uint32(at))
	return in, nil
}

func formatARM(inst armasm.Inst, pc uint32) (string, string) {
	parts := strings.Split(strings.TrimSuffix(inst.Op.String(), ".ZZ"), ".")
	op, suffix := parts[0], strings.Join(parts[1:], "")

	args := inst.Args[:]
	switch op {
	case "STMDB", "LDM":
		// stmdb sp!, {...} and ldm sp!, {...} are push and pop
		if m, ok := args[0].(armasm.Mem); ok && m.Base == armasm.SP && m.Mode == armasm.AddrLDM_WB {
			if op == "STMDB" {
				op = "PUSH"
			} else {
				op = "POP"
			}
			args = args[1:]
		}
	}
	branch := op == "B" || op == "BL" || op == "BLX"

	var ops []string
	for _, arg := range args {
		if arg == nil {
			break
		}
		ops = append(ops, formatArg(arg, pc, branch))
	}
	return strings.ToLower(op + suffix), strings.Join(ops, ", ")
}

func formatArg(arg armasm.Arg, pc uint32, branch bool) string {
	switch a := arg.(type) {
	case armasm.Reg:
		return regName(a)
	case armasm.Imm:
		return imm(int64(a))
	case armasm.ImmAlt:
		return imm(int64(a.Imm()))
	case armasm.Label:
		return fmt.Sprintf("#%#x", uint32(a))
	case armasm.PCRel:
		if branch {
			return fmt.Sprintf("#%#x", pc+8+uint32(int32(a)))
		}
		return fmt.Sprintf("[pc, %s]", imm(int64(a)))
	case armasm.Mem:
		return formatMem(a)
	case armasm.RegList:
		var regs []string
		for i := 0; i < 16; i++ {
			if a&(1<<uint(i)) != 0 {
				regs = append(regs, regName(armasm.Reg(i)))
			}
		}
		return "{" + strings.Join(regs, ", ") + "}"
	case armasm.RegShift:
		return shifted(regName(a.Reg), a.Shift, imm(int64(a.Count)))
	case armasm.RegShiftReg:
		return regName(a.Reg) + ", " + strings.ToLower(a.Shift.String()) + " " + regName(a.RegCount)
	}
	return strings.ToLower(arg.String())
}

func formatMem(m armasm.Mem) string {
	base := regName(m.Base)
	var x string
	if m.Sign != 0 {
		if m.Sign < 0 {
			x = "-"
		}
		x = shifted(x+regName(m.Index), m.Shift, imm(int64(m.Count)))
	} else {
		x = imm(int64(m.Offset))
	}
	switch m.Mode {
	case armasm.AddrOffset:
		if x == "#0" {
			return "[" + base + "]"
		}
		return "[" + base + ", " + x + "]"
	case armasm.AddrPreIndex:
		return "[" + base + ", " + x + "]!"
	case armasm.AddrPostIndex:
		return "[" + base + "], " + x
	case armasm.AddrLDM:
		return base
	case armasm.AddrLDM_WB:
		return base + "!"
	}
	return strings.ToLower(m.String())
}

func shifted(reg string, s armasm.Shift, count string) string {
	switch name := strings.ToLower(s.String()); {
	case name == "rrx":
		return reg + ", rrx"
	case name == "lsl" && count == "#0":
		return reg
	default:
		return reg + ", " + name + " " + count
	}
}

func regName(r armasm.Reg) string {
	switch r {
	case armasm.SP:
		return "sp"
	case armasm.LR:
		return "lr"
	case armasm.PC:
		return "pc"
	}
	return strings.ToLower(r.String())
}

// imm formats an immediate the way Capstone does.
func imm(v int64) string {
	switch {
	case v > 9:
		return fmt.Sprintf("#%#x", v)
	case v < -9:
		return fmt.Sprintf("#-%#x", -v)
	}
	return fmt.Sprintf("#%d", v)
}

package elfobj

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"rsc.io/arm/armasm"
)

// should work on any ARM binary targeting the ARMv6 ABI or newer which uses
// the recommended PLT format (e.g. GCC or Clang)

func decpltrel(e *elf.File) ([]elf.Rel32, error) {
	relplt := e.Section(".rel.plt")
	if relplt == nil {
		return nil, fmt.Errorf("read .rel.plt: no such section")
	}
	r := relplt.Open()
	var rels []elf.Rel32
	for {
		var rel elf.Rel32
		if err := binary.Read(r, e.ByteOrder, &rel); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read .rel.plt: %w", err)
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

type pltent struct {
	PLT  uint32 // address of the first instruction
	Tail uint32 // address of the thumb stub before it, if any
	GOT  uint32 // address of the GOT entry it loads
}

// decplt decodes the PLT entries by emulating the address calculation of each
// add ip, pc, #x; add ip, ip, #y; ldr pc, [ip, #z]! sequence.
func decplt(e *elf.File) ([]pltent, error) {
	plt := e.Section(".plt")
	if plt == nil {
		return nil, fmt.Errorf("read .plt: no such section")
	}
	buf, err := plt.Data()
	if err != nil {
		return nil, fmt.Errorf("read .plt: %w", err)
	}
	got := e.Section(".got")
	if got == nil {
		return nil, fmt.Errorf("read .got: no such section")
	}

	var (
		ents []pltent
		insn []armasm.Inst
		addr []uint32
		tail uint32
	)
	pc := uint32(plt.Addr)
	for len(buf) != 0 {
		if len(buf) >= 4 && buf[0] == 0x78 && buf[1] == 0x47 && buf[2] == 0xC0 && buf[3] == 0x46 {
			// Thumb: bx pc; mov r8, r8
			tail = pc
			buf, pc = buf[4:], pc+4
			continue
		}
		t, err := armasm.Decode(buf, armasm.ModeARM)
		if err != nil {
			// probably a different thumb instruction, so skip it
			buf, pc = buf[2:], pc+2
			continue
		}
		insn, addr = append(insn, t), append(addr, pc)
		buf, pc = buf[t.Len:], pc+uint32(t.Len)

		if t.Op != armasm.LDR {
			// there should be a ldr at least every 3rd instruction
			if len(insn) > 8 {
				return nil, fmt.Errorf("parse .plt: at 0x%X: expected LDR instruction somewhere, cur %+q", pc, insn)
			}
			continue
		}

		n := len(insn)
		if n < 3 || insn[n-3].Op != armasm.ADD || insn[n-2].Op != armasm.ADD {
			// discard the header at the start of the PLT
			if len(ents) == 0 {
				if pc-uint32(plt.Addr) > 128 {
					return nil, fmt.Errorf("parse .plt: at 0x%X: more than 128 bytes of junk at start of PLT, cur %+q", pc, insn)
				}
				insn, addr, tail = nil, nil, 0
				continue
			}
			return nil, fmt.Errorf("parse .plt: at 0x%X: expected 2 ADD instructions before each LDR, got %+q", pc, insn)
		}
		if n != 3 && len(ents) != 0 {
			return nil, fmt.Errorf("parse .plt: at 0x%X: unexpected instructions before entry, got %+q", pc, insn)
		}

		g, err := emulate(insn[n-3:], addr[n-3:])
		if err != nil {
			return nil, fmt.Errorf("parse .plt: entry at 0x%X: %w", addr[n-3], err)
		}
		if uint64(g) < got.Addr || uint64(g) >= got.Addr+got.Size {
			return nil, fmt.Errorf("parse .plt: entry at 0x%X: emulated GOT address 0x%X outside GOT at 0x%X (size: 0x%X)", addr[n-3], g, got.Addr, got.Size)
		}
		ents = append(ents, pltent{
			PLT:  addr[n-3],
			Tail: tail,
			GOT:  g,
		})
		insn, addr, tail = nil, nil, 0
	}

	seen := map[uint32]int{}
	for i, ent := range ents {
		if j, ok := seen[ent.GOT]; ok {
			return nil, fmt.Errorf("parse .plt: duplicate emulated GOT address in entry %#v (prev: %#v)", ent, ents[j])
		}
		seen[ent.GOT] = i
	}
	return ents, nil
}

// emulate returns the address loaded by a PLT entry.
func emulate(insn []armasm.Inst, addr []uint32) (uint32, error) {
	reg := map[armasm.Reg]uint32{
		armasm.PC:  0,
		armasm.R12: 0,
	}
	operand := func(arg armasm.Arg) (uint32, error) {
		switch v := arg.(type) {
		case armasm.Reg:
			rv, ok := reg[v]
			if !ok {
				return 0, fmt.Errorf("unsupported register %s", v)
			}
			return rv, nil
		case armasm.Imm:
			return uint32(v), nil
		case armasm.ImmAlt:
			return uint32(v.Imm()), nil
		}
		return 0, fmt.Errorf("unsupported arg %#v", arg)
	}
	for n, inst := range insn {
		// In ARM state, the value of the PC is the address of the current
		// instruction plus 8 bytes.
		reg[armasm.PC] = addr[n] + 8
		switch inst.Op {
		case armasm.ADD:
			if inst.Args[0] != armasm.R12 || inst.Args[3] != nil {
				return 0, fmt.Errorf("emulate %s at 0x%X: expected add ip, x, y", inst, addr[n])
			}
			a, err := operand(inst.Args[1])
			if err != nil {
				return 0, fmt.Errorf("emulate %s at 0x%X: %w", inst, addr[n], err)
			}
			b, err := operand(inst.Args[2])
			if err != nil {
				return 0, fmt.Errorf("emulate %s at 0x%X: %w", inst, addr[n], err)
			}
			reg[armasm.R12] = a + b
		case armasm.LDR:
			m, ok := inst.Args[1].(armasm.Mem)
			if inst.Args[0] != armasm.PC || !ok || inst.Args[2] != nil {
				return 0, fmt.Errorf("emulate %s at 0x%X: expected ldr pc, [x, y]", inst, addr[n])
			}
			base, ok := reg[m.Base]
			if !ok {
				return 0, fmt.Errorf("emulate %s at 0x%X: unsupported base register %s", inst, addr[n], m.Base)
			}
			off := uint32(int32(m.Offset))
			if m.Sign != 0 {
				idx, ok := reg[m.Index]
				if !ok {
					return 0, fmt.Errorf("emulate %s at 0x%X: unsupported index register %s", inst, addr[n], m.Index)
				}
				switch m.Shift {
				case armasm.ShiftLeft:
					idx <<= m.Count
				case armasm.ShiftRight:
					idx >>= m.Count
				default:
					return 0, fmt.Errorf("emulate %s at 0x%X: unsupported shift %s", inst, addr[n], m.Shift)
				}
				off = idx
				if m.Sign < 0 {
					off = -idx
				}
			}
			switch m.Mode {
			case armasm.AddrOffset, armasm.AddrPreIndex:
				return base + off, nil
			case armasm.AddrPostIndex:
				return base, nil
			}
			return 0, fmt.Errorf("emulate %s at 0x%X: unsupported addressing mode", inst, addr[n])
		default:
			return 0, fmt.Errorf("emulate %s at 0x%X: unexpected instruction", inst, addr[n])
		}
	}
	return 0, fmt.Errorf("no ldr")
}

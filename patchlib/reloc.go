package patchlib

import (
	"fmt"
	"strings"
)

// maxInstLen is the longest ARM or Thumb instruction.
const maxInstLen = 4

// disassemble decodes the original instruction at an address.
func (e emitter) disassemble(at Addr) (Instruction, error) {
	n := maxInstLen
	if rem := e.img.Len() - int(at); rem < n {
		n = rem
	}
	if n <= 0 {
		return Instruction{}, fmt.Errorf("%w: disassemble at %s: %v", ErrDecoding, at, ErrOutOfBounds)
	}
	b, _ := e.img.Read(at, n)
	abs := e.img.Abs(at)
	in, err := e.dis.Disassemble(b, abs)
	if err != nil {
		return in, wrapAsm("disassemble", hexString(b), abs, ErrDecoding, err)
	}
	if in.Len <= 0 || in.Len > n {
		return in, wrapAsm("disassemble", hexString(b), abs, ErrDecoding, nil)
	}
	return in, nil
}

// relocate moves whole instructions from src to dst until at least n bytes
// have been consumed. It returns the address after the written code and the
// number of original bytes consumed.
func (e emitter) relocate(src Addr, n int, dst Addr) (Addr, int, error) {
	cur, consumed := dst, 0
	for consumed < n {
		at := src + Addr(consumed)
		in, err := e.disassemble(at)
		if err != nil {
			return cur, consumed, err
		}
		if k := itLength(in.Mnemonic); k > 0 {
			blk, err := e.relocateIT(in, k)
			if err != nil {
				return cur, consumed, err
			}
			if cur, err = e.emit(blk.text, cur, 0); err != nil {
				return cur, consumed, err
			}
			Log("relocate %s (it block, %d bytes) -> %s", in, blk.n, cur)
			consumed += blk.n
			continue
		}

		c := Classify(in)
		switch c.Class {
		case ClassPlain:
			cur, err = e.emit(c.Text, cur, 0)
		case ClassPC:
			cur, err = e.fixPC(at, c, cur)
		case ClassBranch:
			cur, err = e.branch(cur, c.Branch)
		default:
			err = fmt.Errorf("%w: %s: %s", ErrUnrelocatable, in, c.Reason)
		}
		if err != nil {
			return cur, consumed, fmt.Errorf("relocate %s: %w", in, err)
		}
		Log("relocate %s -> %s (%s)", in, cur, c.Class)
		consumed += in.Len
	}
	return cur, consumed, nil
}

type itBlock struct {
	text string
	n    int
}

// relocateIT collects an it instruction and the instructions it covers. They
// are reassembled together, and none of them may depend on pc.
func (e emitter) relocateIT(it Instruction, k int) (itBlock, error) {
	texts, n := []string{it.Text()}, it.Len
	at := e.img.Rel(it.Addr)
	for i := 0; i < k; i++ {
		in, err := e.disassemble(at + Addr(n))
		if err != nil {
			return itBlock{}, err
		}
		if c := Classify(in); c.Class != ClassPlain {
			return itBlock{}, fmt.Errorf("%w: %s: %s in it block", ErrUnrelocatable, in, c.Class)
		}
		texts, n = append(texts, in.Text()), n+in.Len
	}
	return itBlock{strings.Join(texts, "; "), n}, nil
}

// fixPC rewrites an instruction which reads pc at src so it can run at dst.
func (e emitter) fixPC(src Addr, c Classification, dst Addr) (Addr, error) {
	if e.mode == ModeThumb {
		return e.fixPCThumb(src, c, dst)
	}
	return e.fixPCScratch(src, c, dst)
}

// fixPCScratch makes the instruction read a scratch register holding the
// original value of pc instead:
//
//	push {rX}
//	ldr rX, [pc, #lit]
//	<instruction with pc replaced by rX>
//	pop {rX}
//	b cont
//	[nop]
//	lit: .word <original pc>
//	cont:
func (e emitter) fixPCScratch(src Addr, c Classification, dst Addr) (Addr, error) {
	push := "push {" + c.Scratch + "}"
	pop := "pop {" + c.Scratch + "}"

	// everything but the ldr and b is position-independent, so measure it first
	pushLen, err := e.measure(push, dst)
	if err != nil {
		return dst, err
	}
	ldrAt := dst + Addr(pushLen)
	ldrLen := 2
	if e.mode == ModeARM {
		ldrLen = 4
	}
	instLen, err := e.measure(c.Text, ldrAt+Addr(ldrLen))
	if err != nil {
		return dst, err
	}
	popLen, err := e.measure(pop, ldrAt+Addr(ldrLen+instLen))
	if err != nil {
		return dst, err
	}
	bAt := ldrAt + Addr(ldrLen+instLen+popLen)
	lit := AlignUp(bAt+Addr(e.prof.shortSize(false)), 4)
	cont := lit + 4

	var off int32
	if e.mode == ModeARM {
		off = dist(ldrAt+8, lit)
	} else {
		off = dist((ldrAt+4)&^3, lit)
	}
	pc := uint32(e.prof.PC(e.img.Abs(src), c.Literal))

	cur, err := e.emit(push, dst, pushLen)
	if err != nil {
		return dst, err
	}
	if cur, err = e.emit(fmt.Sprintf("ldr %s, [pc, #%d]", c.Scratch, off), cur, ldrLen); err != nil {
		return dst, err
	}
	if cur, err = e.emit(c.Text, cur, instLen); err != nil {
		return dst, err
	}
	if cur, err = e.emit(pop, cur, popLen); err != nil {
		return dst, err
	}
	if cur, err = e.emit(e.target(e.prof.shortJump(), cont), cur, e.prof.shortSize(false)); err != nil {
		return dst, err
	}
	if cur, err = e.pad(cur, int(lit-cur)); err != nil {
		return dst, err
	}
	return e.word(pc, cur)
}

// fixPCThumb rewrites an instruction which reads pc in 16-bit Thumb, where
// substituting a register usually has no encoding. Literal loads and address
// computations become a load of the original address:
//
//	ldr rD, [pc, #lit]
//	[ldr rD, [rD]]
//	b cont
//	[nop]
//	lit: .word <original pc + disp>
//	cont:
//
// Anything else goes through a scratch register, which only works if the
// rewritten instruction still has a 16-bit encoding.
func (e emitter) fixPCThumb(src Addr, c Classification, dst Addr) (Addr, error) {
	r := c.Ref
	if r == nil {
		return e.fixPCScratch(src, c, dst)
	}
	n := 2
	if r.Load {
		n += 2
	}
	lit := AlignUp(dst+Addr(n)+2, 4)
	off := dist((dst+4)&^3, lit)
	if off > 1020 {
		return dst, fmt.Errorf("%w: literal at %s is too far from %s", ErrOutOfRangeLiteral, lit, dst)
	}
	v := uint32(e.prof.PC(e.img.Abs(src), true)) + uint32(r.Disp)

	cur, err := e.emit(fmt.Sprintf("ldr %s, [pc, #%d]", r.Reg, off), dst, 2)
	if err != nil {
		return dst, err
	}
	if r.Load {
		if cur, err = e.emit(fmt.Sprintf("ldr %s, [%s]", r.Reg, r.Reg), cur, 2); err != nil {
			return dst, err
		}
	}
	if cur, err = e.emit(e.target(e.prof.shortJump(), lit+4), cur, 2); err != nil {
		return dst, err
	}
	if cur, err = e.pad(cur, int(lit-cur)); err != nil {
		return dst, err
	}
	return e.word(v, cur)
}

// measure returns the encoded size of text at an address without writing it.
func (e emitter) measure(text string, at Addr) (int, error) {
	b, err := e.assemble(text, at)
	return len(b), err
}

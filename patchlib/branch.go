package patchlib

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// emitter places generated code into the image or a staging buffer. Every
// method takes the address to write at and returns the address after what it
// wrote.
type emitter struct {
	*Patcher
	out sink
}

// emit assembles text at an address and writes it. If want is non-zero, the
// encoding must be exactly that long.
func (e emitter) emit(text string, at Addr, want int) (Addr, error) {
	b, err := e.assemble(text, at)
	if err != nil {
		return at, err
	}
	if want != 0 && len(b) != want {
		return at, wrapAsm("assemble", text, e.img.Abs(at), ErrEncoding, fmt.Errorf("expected %d bytes, got %d", want, len(b)))
	}
	return e.raw(b, at)
}

func (e emitter) raw(b []byte, at Addr) (Addr, error) {
	if err := e.out.write(at, b); err != nil {
		return at, err
	}
	return at + Addr(len(b)), nil
}

func (e emitter) word(v uint32, at Addr) (Addr, error) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return e.raw(b[:], at)
}

// pad fills n bytes with NOPs.
func (e emitter) pad(at Addr, n int) (Addr, error) {
	if n == 0 {
		return at, nil
	}
	if n%e.prof.NOPSize() != 0 {
		return at, fmt.Errorf("cannot pad %d bytes with %d-byte nops", n, e.prof.NOPSize())
	}
	return e.emit(e.prof.NOP(n/e.prof.NOPSize()), at, n)
}

// align pads to a multiple of n.
func (e emitter) align(at Addr, n uint32) (Addr, error) {
	return e.pad(at, int(AlignUp(at, n)-at))
}

// jump writes a jump from at to dst.
func (e emitter) jump(at, dst Addr) (Addr, error) {
	if e.prof.InRange(at, dst) {
		return e.emit(e.target(e.prof.shortJump(), dst), at, e.prof.shortSize(false))
	}
	return e.long(at, e.prof.longJump(at), e.prof.literal(e.img.Abs(dst), false))
}

// call writes a call from at to dst. If exchange is true, the destination is
// in the other instruction set.
func (e emitter) call(at, dst Addr, exchange bool) (Addr, error) {
	if e.prof.InRange(at, dst) {
		op := e.prof.shortCall()
		if exchange {
			op = "blx"
		}
		return e.emit(e.target(op, dst), at, e.prof.shortSize(true))
	}
	return e.long(at, e.prof.longCall(at), e.prof.literal(e.img.Abs(dst), exchange))
}

func (e emitter) long(at Addr, f form, lit uint32) (Addr, error) {
	cur, err := e.emit(f.text, at, f.size)
	if err != nil {
		return at, err
	}
	if cur, err = e.pad(cur, f.pad); err != nil {
		return at, err
	}
	if AlignUp(cur, 4) != cur {
		return at, fmt.Errorf("%w: long form at %s puts its literal at unaligned %s", ErrOutOfRangeLiteral, at, cur)
	}
	return e.word(lit, cur)
}

// branch writes a replacement for a relocated branch instruction.
func (e emitter) branch(at Addr, b Branch) (Addr, error) {
	dst := e.img.Rel(b.Target)
	if b.Cond == "" && b.Zero == "" {
		if b.Link {
			return e.call(at, dst, b.Exchange)
		}
		return e.jump(at, dst)
	}
	if b.Zero == "" && e.prof.CondInRange(at, dst) {
		switch {
		case !b.Link:
			return e.emit(e.target(e.prof.condJump(b.Cond), dst), at, e.prof.condSize())
		case e.mode == ModeARM:
			return e.emit(e.target("bl"+b.Cond, dst), at, 4)
		}
	}

	// b<cond> taken; b skip; taken: <jump or call>; skip:
	csz := e.prof.condSize()
	if b.Zero != "" {
		csz = 2
	}
	taken := at + Addr(csz) + Addr(e.prof.shortSize(false))
	var test string
	if b.Zero != "" {
		test = fmt.Sprintf("%s %s, #%#x", b.Zero, b.Reg, uint32(e.img.Abs(taken)))
	} else {
		test = e.target(e.prof.condJump(b.Cond), taken)
	}
	size := e.prof.JumpSize(taken, dst)
	if b.Link {
		size = e.prof.CallSize(taken, dst)
	}
	skip := taken + Addr(size)

	cur, err := e.emit(test, at, csz)
	if err != nil {
		return at, err
	}
	if cur, err = e.emit(e.target(e.prof.shortJump(), skip), cur, e.prof.shortSize(false)); err != nil {
		return at, err
	}
	if b.Link {
		cur, err = e.call(cur, dst, b.Exchange)
	} else {
		cur, err = e.jump(cur, dst)
	}
	if err != nil {
		return at, err
	}
	if cur != skip {
		return at, fmt.Errorf("%w: conditional branch expansion at %s is %d bytes, expected %d", ErrEncoding, at, cur-at, skip-at)
	}
	return cur, nil
}

// target formats a branch to an image-relative address.
func (e emitter) target(op string, dst Addr) string {
	return fmt.Sprintf("%s #%#x", op, uint32(e.img.Abs(dst)))
}

// assemble encodes text at an address. Statements of the form ".word n" are
// written as-is, and runs of other statements go to the assembler.
func (e emitter) assemble(text string, at Addr) ([]byte, error) {
	if !strings.Contains(text, ".word") {
		return e.assembleRun(text, at)
	}
	var b []byte
	var run []string
	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		c, err := e.assembleRun(strings.Join(run, "; "), at+Addr(len(b)))
		if err != nil {
			return err
		}
		b, run = append(b, c...), run[:0]
		return nil
	}
	for _, stmt := range SplitText(text) {
		v, ok, err := parseWord(stmt)
		if err != nil {
			return nil, wrapAsm("assemble", stmt, e.img.Abs(at+Addr(len(b))), ErrEncoding, err)
		}
		if !ok {
			run = append(run, stmt)
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return b, nil
}

func (e emitter) assembleRun(text string, at Addr) ([]byte, error) {
	abs := e.img.Abs(at)
	b, err := e.asm.Assemble(text, abs)
	if err != nil {
		return nil, wrapAsm("assemble", text, abs, ErrEncoding, err)
	}
	if len(b) == 0 {
		return nil, wrapAsm("assemble", text, abs, ErrEncoding, fmt.Errorf("no output"))
	}
	if e.mode == ModeThumb {
		if n := thumb1Size(text); len(b) != n {
			return nil, wrapAsm("assemble", text, abs, ErrEncoding, fmt.Errorf("got %d bytes, but 16-bit Thumb needs %d", len(b), n))
		}
	}
	return b, nil
}

// parseWord parses a ".word n" statement.
func parseWord(stmt string) (uint32, bool, error) {
	rest, ok := strings.CutPrefix(stmt, ".word")
	if !ok || (rest != "" && rest[0] != ' ' && rest[0] != '\t') {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(rest), 0, 32)
	if err != nil {
		return 0, true, fmt.Errorf("invalid word: %w", err)
	}
	return uint32(v), true, nil
}

// thumb1Size returns the size text must have in 16-bit Thumb, where only bl
// and blx to an immediate are 32 bits wide. Anything else which assembles
// wider has been given a Thumb-2 encoding.
func thumb1Size(text string) int {
	var n int
	for _, stmt := range SplitText(text) {
		mn, ops, _ := strings.Cut(stmt, " ")
		switch mn = strings.ToLower(mn); {
		case mn == "bl", mn == "blx" && strings.HasPrefix(strings.TrimSpace(ops), "#"):
			n += 4
		default:
			n += 2
		}
	}
	return n
}

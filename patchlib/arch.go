package patchlib

import (
	"fmt"
	"strings"
)

// Mode is an instruction set mode.
type Mode int

const (
	ModeARM    Mode = iota + 1 // 32-bit ARM
	ModeThumb2                 // mixed 16/32-bit Thumb-2
	ModeThumb                  // 16-bit Thumb (ARMv4T-ARMv6)
)

// ParseMode parses a mode name (arm, thumb2, or thumb).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arm", "arm32":
		return ModeARM, nil
	case "thumb2", "thumb-2", "thumb32":
		return ModeThumb2, nil
	case "thumb", "thumb16":
		return ModeThumb, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedArchitecture, s)
}

func (m Mode) String() string {
	switch m {
	case ModeARM:
		return "arm"
	case ModeThumb2:
		return "thumb2"
	case ModeThumb:
		return "thumb"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Thumb returns true if instructions are Thumb instructions.
func (m Mode) Thumb() bool {
	return m == ModeThumb2 || m == ModeThumb
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if _, err := ProfileFor(m); err != nil {
		return nil, err
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Profile holds everything which differs between instruction set modes.
type Profile interface {
	Mode() Mode
	// Range is the reach of the short unconditional branch and call.
	Range() int32
	// CondRange is the reach of the short conditional branch.
	CondRange() int32
	// Bias is how far past an instruction's address pc reads as.
	Bias() uint32
	// InRange returns true if a short branch at at can reach dst.
	InRange(at, dst Addr) bool
	// CondInRange returns true if a conditional branch at at can reach dst.
	CondInRange(at, dst Addr) bool
	// PC returns the value pc reads as for an instruction at at. If literal
	// is true, the value is the one used for literal loads and immediate
	// address arithmetic, which is word-aligned in Thumb.
	PC(at Abs, literal bool) Abs
	// JumpSize returns the number of bytes written by a jump from at to dst.
	JumpSize(at, dst Addr) int
	// CallSize returns the number of bytes written by a call from at to dst.
	CallSize(at, dst Addr) int
	// SaveRegs returns the code, starting at at, which pushes a register
	// block laid out as {cpsr, r0-r12, lr, sp} (lowest address first) onto
	// the stack.
	SaveRegs(at Addr) string
	// RestoreRegs returns the code, starting at at, which undoes SaveRegs.
	RestoreRegs(at Addr) string
	// NOP returns n instructions which do nothing.
	NOP(n int) string
	// NOPSize returns the size of a single NOP.
	NOPSize() int

	shortJump() string
	shortCall() string
	shortSize(link bool) int
	condJump(cond string) string
	condSize() int
	longJump(at Addr) form
	longCall(at Addr) form
	literal(dst Abs, exchange bool) uint32
}

// form is a long-form branch: instructions followed by padding and a 4-byte
// literal holding the destination.
type form struct {
	text string // instructions
	size int    // expected size of text
	pad  int    // padding between text and the literal
}

func (f form) total() int {
	return f.size + f.pad + 4
}

// ProfileFor returns the Profile for a mode.
func ProfileFor(m Mode) (Profile, error) {
	switch m {
	case ModeARM:
		return armProfile{profile{m, 0x2000000, 0x2000000, 8}}, nil
	case ModeThumb2:
		return thumb2Profile{profile{m, 0x1000000, 0x100000, 4}}, nil
	case ModeThumb:
		return thumbProfile{profile{m, 0x800, 0x100, 4}}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, m)
}

// profile implements the parts common to all modes.
type profile struct {
	mode Mode
	rng  int32
	cond int32
	bias uint32
}

func (p profile) Mode() Mode { return p.mode }
func (p profile) Range() int32 { return p.rng }
func (p profile) CondRange() int32 { return p.cond }
func (p profile) Bias() uint32 { return p.bias }

func (p profile) InRange(at, dst Addr) bool {
	return fits(dist(at, dst), p.rng, p.bias)
}

func (p profile) CondInRange(at, dst Addr) bool {
	return fits(dist(at, dst), p.cond, p.bias)
}

// fits checks a branch distance against a range. The encoded offset is
// relative to pc (d - bias), and can reach -rng but not +rng.
func fits(d, rng int32, bias uint32) bool {
	return d <= rng && int64(d)-int64(bias) >= -int64(rng)
}

func (p profile) PC(at Abs, literal bool) Abs {
	pc := at + Abs(p.bias)
	if literal && p.mode.Thumb() {
		pc = alignDown(pc, 4)
	}
	return pc
}

func (p profile) literal(dst Abs, exchange bool) uint32 {
	v := uint32(dst) &^ 1
	if p.mode.Thumb() != exchange {
		v |= 1
	}
	return v
}

func (p profile) condJump(cond string) string {
	return "b" + cond
}

type armProfile struct{ profile }

func (armProfile) SaveRegs(Addr) string {
	return "str sp, [sp, #-4]; sub sp, sp, #4; push {r0-r12, lr}; mrs r0, cpsr; push {r0}"
}

func (armProfile) RestoreRegs(Addr) string {
	return "pop {r0}; msr cpsr_fc, r0; pop {r0-r12, lr}; add sp, sp, #4"
}

func (armProfile) NOP(n int) string { return nops("mov r0, r0", n) }
func (armProfile) NOPSize() int { return 4 }

func (armProfile) shortJump() string { return "b" }
func (armProfile) shortCall() string { return "bl" }
func (armProfile) shortSize(bool) int { return 4 }
func (armProfile) condSize() int { return 4 }

func (p armProfile) JumpSize(at, dst Addr) int {
	if p.InRange(at, dst) {
		return 4
	}
	return p.longJump(at).total()
}

func (p armProfile) CallSize(at, dst Addr) int {
	if p.InRange(at, dst) {
		return 4
	}
	return p.longCall(at).total()
}

func (armProfile) longJump(at Addr) form {
	return form{"ldr pc, [pc, #-4]", 4, 0}
}

func (armProfile) longCall(at Addr) form {
	return form{"add lr, pc, #4; ldr pc, [pc, #-4]", 8, 0}
}

type thumb2Profile struct{ profile }

func (thumb2Profile) SaveRegs(Addr) string {
	return "str sp, [sp, #-4]; sub sp, #4; push {r0-r12, lr}; mrs r0, cpsr; push {r0}"
}

func (thumb2Profile) RestoreRegs(Addr) string {
	return "pop {r0}; msr cpsr_fc, r0; pop {r0-r12, lr}; add sp, #4"
}

func (thumb2Profile) NOP(n int) string { return nops("mov r8, r8", n) }
func (thumb2Profile) NOPSize() int { return 2 }

func (thumb2Profile) shortJump() string { return "b.w" }
func (thumb2Profile) shortCall() string { return "bl" }
func (thumb2Profile) shortSize(bool) int { return 4 }
func (thumb2Profile) condSize() int { return 4 }

func (p thumb2Profile) condJump(cond string) string {
	return "b" + cond + ".w"
}

func (p thumb2Profile) JumpSize(at, dst Addr) int {
	if p.InRange(at, dst) {
		return 4
	}
	return p.longJump(at).total()
}

func (p thumb2Profile) CallSize(at, dst Addr) int {
	if p.InRange(at, dst) {
		return 4
	}
	return p.longCall(at).total()
}

// The literal must be word-aligned for ldr pc, so it is padded when the
// sequence starts on a halfword.
func (thumb2Profile) longJump(at Addr) form {
	if at&2 == 0 {
		return form{"ldr.w pc, [pc, #0]", 4, 0}
	}
	return form{"ldr.w pc, [pc, #4]", 4, 2}
}

func (thumb2Profile) longCall(at Addr) form {
	if at&2 == 0 {
		return form{"addw lr, pc, #9; ldr.w pc, [pc, #0]", 8, 0}
	}
	return form{"addw lr, pc, #13; ldr.w pc, [pc, #4]", 8, 2}
}

type thumbProfile struct{ profile }

// Only the low registers can be pushed directly, so r8-r12, lr, and sp are
// copied into their slots through r0-r6. Nothing here sets the flags, and the
// cpsr slot is filled last by switching to ARM for mrs.
func (thumbProfile) SaveRegs(at Addr) string {
	return "sub sp, #0x1c; push {r0-r7}; " +
		"mov r0, r8; mov r1, r9; mov r2, r10; mov r3, r11; mov r4, r12; mov r5, lr; " +
		"add r6, sp, #0x3c; add r7, sp, #0x20; stm r7!, {r0-r6}; " +
		"sub sp, #4; " +
		armStub(at+24, armMRS, armStrSP)
}

// The flags are restored first, since ldm and the high register moves leave
// them alone and r0 is reloaded by the pop.
func (thumbProfile) RestoreRegs(at Addr) string {
	return armStub(at, armLdrSP, armMSR) + "; " +
		"add sp, #4; " +
		"add r7, sp, #0x20; ldm r7!, {r0-r5}; " +
		"mov r8, r0; mov r9, r1; mov r10, r2; mov r11, r3; mov r12, r4; mov lr, r5; " +
		"pop {r0-r7}; add sp, #0x1c"
}

// ARM instructions used by armStub. Thumb-1 cannot access cpsr, so they are
// encoded directly.
const (
	armMRS   = 0xE10F0000 // mrs r0, cpsr
	armMSR   = 0xE128F000 // msr cpsr_f, r0
	armStrSP = 0xE58D0000 // str r0, [sp]
	armLdrSP = 0xE59D0000 // ldr r0, [sp]
	armAddPC = 0xE28F0001 // add r0, pc, #1
	armBx    = 0xE12FFF10 // bx r0
)

// armStub runs ARM instructions from Thumb code starting at at. bx pc must
// be on a word so the ARM code after it is aligned, and r0 is clobbered by
// the return to Thumb.
//
//	[mov r8, r8]
//	bx pc
//	mov r8, r8
//	<arm instructions>
//	add r0, pc, #1
//	bx r0
func armStub(at Addr, arm ...uint32) string {
	var s []string
	if at&2 != 0 {
		s = append(s, "mov r8, r8")
	}
	s = append(s, "bx pc", "mov r8, r8")
	for _, w := range append(arm, armAddPC, armBx) {
		s = append(s, fmt.Sprintf(".word %#x", w))
	}
	return strings.Join(s, "; ")
}

func (thumbProfile) NOP(n int) string { return nops("mov r8, r8", n) }
func (thumbProfile) NOPSize() int { return 2 }

func (thumbProfile) shortJump() string { return "b" }
func (thumbProfile) shortCall() string { return "bl" }
func (thumbProfile) condSize() int { return 2 }

func (thumbProfile) shortSize(link bool) int {
	if link {
		return 4
	}
	return 2
}

func (p thumbProfile) JumpSize(at, dst Addr) int {
	if p.InRange(at, dst) {
		return 2
	}
	return p.longJump(at).total()
}

func (p thumbProfile) CallSize(at, dst Addr) int {
	if p.InRange(at, dst) {
		return 4
	}
	return p.longCall(at).total()
}

// Thumb-1 can only load pc with pop, so the destination goes through the
// stack. The sequence is 0xC bytes if it starts on a word, and 0xE otherwise.
func (thumbProfile) longJump(at Addr) form {
	text := "push {r0, r1}; ldr r0, [pc, #4]; str r0, [sp, #4]; pop {r0, pc}"
	if at&2 == 0 {
		return form{text, 8, 0}
	}
	return form{text, 8, 2}
}

// lr is computed from pc (at+6 after the push) so it points past the literal
// with the Thumb bit set.
func (thumbProfile) longCall(at Addr) form {
	imm, pad := 0xf, 2
	if at&2 != 0 {
		imm, pad = 0xd, 0
	}
	return form{fmt.Sprintf("push {r0, r1}; mov r0, pc; adds r0, #%d; mov lr, r0; ldr r0, [pc, #4]; str r0, [sp, #4]; pop {r0, pc}", imm), 14, pad}
}

func nops(nop string, n int) string {
	s := make([]string, n)
	for i := range s {
		s[i] = nop
	}
	return strings.Join(s, "; ")
}

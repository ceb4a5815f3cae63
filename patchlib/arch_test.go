package patchlib

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		mode Mode
	}{
		{"arm", ModeARM},
		{"ARM", ModeARM},
		{"thumb2", ModeThumb2},
		{"thumb-2", ModeThumb2},
		{"thumb", ModeThumb},
		{" thumb16 ", ModeThumb},
	} {
		m, err := ParseMode(tc.in)
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.mode, m, tc.in)
	}
	_, err := ParseMode("aarch64")
	assert.True(t, errors.Is(err, ErrUnsupportedArchitecture))

	var m Mode
	assert.NoError(t, m.UnmarshalText([]byte("thumb2")))
	assert.Equal(t, ModeThumb2, m)
	b, err := m.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "thumb2", string(b))
	_, err = Mode(0).MarshalText()
	assert.Error(t, err)
}

func TestRangeBoundary(t *testing.T) {
	for _, tc := range []struct {
		mode      Mode
		rng       Addr
		short     int
		long      int
		shortCall int
		longCall  int
	}{
		{ModeARM, 0x2000000, 4, 8, 4, 12},
		{ModeThumb2, 0x1000000, 4, 8, 4, 12},
		{ModeThumb, 0x800, 2, 0xC, 4, 0x14},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			p, err := ProfileFor(tc.mode)
			assert.NoError(t, err)

			assert.True(t, p.InRange(0, tc.rng))
			assert.False(t, p.InRange(0, tc.rng+1))
			assert.Equal(t, tc.short, p.JumpSize(0, tc.rng), "at the boundary")
			assert.Equal(t, tc.long, p.JumpSize(0, tc.rng+1), "one byte beyond")
			assert.Equal(t, tc.shortCall, p.CallSize(0, tc.rng))
			assert.Equal(t, tc.longCall, p.CallSize(0, tc.rng+1))

			// backwards, the encoded offset is relative to pc
			at := tc.rng - Addr(p.Bias())
			assert.True(t, p.InRange(at, 0))
			assert.False(t, p.InRange(at+1, 0))
		})
	}
}

func TestLongFormAlignment(t *testing.T) {
	thumb, _ := ProfileFor(ModeThumb)
	assert.Equal(t, 0xC, thumb.JumpSize(0x1000, 0x100000))
	assert.Equal(t, 0xE, thumb.JumpSize(0x1002, 0x100000))
	assert.Equal(t, 0x14, thumb.CallSize(0x1000, 0x100000))
	assert.Equal(t, 0x12, thumb.CallSize(0x1002, 0x100000))

	// the Thumb-2 literal is kept word-aligned
	thumb2, _ := ProfileFor(ModeThumb2)
	assert.Equal(t, 8, thumb2.JumpSize(0, 0x2000000))
	assert.Equal(t, 10, thumb2.JumpSize(2, 0x2000000))
	assert.Equal(t, 12, thumb2.CallSize(0, 0x2000000))
	assert.Equal(t, 14, thumb2.CallSize(2, 0x2000000))

	for _, p := range []Profile{thumb, thumb2} {
		for _, at := range []Addr{0, 2} {
			for _, f := range []form{p.longJump(at), p.longCall(at)} {
				assert.Zero(t, (int(at)+f.size+f.pad)%4, fmt.Sprintf("%s literal at %s", p.Mode(), at))
			}
		}
	}
}

func TestCondRange(t *testing.T) {
	for _, tc := range []struct {
		mode Mode
		rng  Addr
	}{
		{ModeARM, 0x2000000},
		{ModeThumb2, 0x100000},
		{ModeThumb, 0x100},
	} {
		p, _ := ProfileFor(tc.mode)
		assert.True(t, p.CondInRange(0, tc.rng), tc.mode.String())
		assert.False(t, p.CondInRange(0, tc.rng+1), tc.mode.String())
	}
}

func TestPC(t *testing.T) {
	arm, _ := ProfileFor(ModeARM)
	assert.Equal(t, Abs(0x1006+8), arm.PC(0x1006, true))
	thumb2, _ := ProfileFor(ModeThumb2)
	assert.Equal(t, Abs(0x1006), thumb2.PC(0x1002, false))
	assert.Equal(t, Abs(0x1004), thumb2.PC(0x1002, true))
	assert.Equal(t, Abs(0x1004), thumb2.PC(0x1000, true))
}

func TestLiteral(t *testing.T) {
	arm, _ := ProfileFor(ModeARM)
	thumb, _ := ProfileFor(ModeThumb)
	assert.Equal(t, uint32(0x1000), arm.literal(0x1000, false))
	assert.Equal(t, uint32(0x1001), arm.literal(0x1000, true))
	assert.Equal(t, uint32(0x1001), thumb.literal(0x1000, false))
	assert.Equal(t, uint32(0x1001), thumb.literal(0x1001, false))
	assert.Equal(t, uint32(0x1000), thumb.literal(0x1001, true))
}

func TestSaveRestoreRegs(t *testing.T) {
	mrs, msr := fmt.Sprintf(".word %#x", armMRS), fmt.Sprintf(".word %#x", armMSR)
	for _, mode := range []Mode{ModeARM, ModeThumb2, ModeThumb} {
		p := mustProfile(mode)
		for _, at := range []Addr{0x1000, 0x1002} {
			t.Run(fmt.Sprintf("%s/%s", mode, at), func(t *testing.T) {
				save, restore := SplitText(p.SaveRegs(at)), SplitText(p.RestoreRegs(at))

				assert.Equal(t, -0x40, spDelta(t, save), "save pushes the 16-word block")
				assert.Equal(t, 0x40, spDelta(t, restore), "restore pops what save pushed")

				assert.True(t, containsAny(save, "mrs r0, cpsr", mrs), "save must read cpsr: %q", save)
				assert.True(t, containsAny(restore, "msr cpsr_fc, r0", "msr cpsr_f, r0", msr), "restore must write cpsr: %q", restore)

				for _, stmts := range [][]string{save, restore} {
					cur := at
					for _, s := range stmts {
						if s == "bx pc" {
							assert.Equal(t, ModeThumb, mode, "only 16-bit Thumb switches to ARM")
							assert.Zero(t, cur%4, "bx pc must be word-aligned in %q", stmts)
						} else {
							assert.NotContains(t, s, "pc", "register block must not touch pc")
						}
						if strings.HasPrefix(s, ".word") {
							cur += 4
						} else {
							cur += Addr(p.NOPSize())
						}
					}
				}
			})
		}
	}
	assert.Equal(t, "mov r0, r0; mov r0, r0", mustProfile(ModeARM).NOP(2))
	assert.Equal(t, "mov r8, r8", mustProfile(ModeThumb).NOP(1))
}

func containsAny(stmts []string, any ...string) bool {
	for _, s := range stmts {
		for _, a := range any {
			if s == a {
				return true
			}
		}
	}
	return false
}

// spDelta returns how much a register block sequence moves sp.
func spDelta(t *testing.T, stmts []string) int {
	var d int
	for _, s := range stmts {
		mn, ops, _ := strings.Cut(s, " ")
		switch mn {
		case "push", "pop":
			n := 0
			for _, r := range strings.Split(strings.Trim(ops, "{}"), ",") {
				a, b, ok := strings.Cut(strings.TrimSpace(r), "-")
				if !ok {
					n++
					continue
				}
				x, _ := strconv.Atoi(strings.TrimPrefix(a, "r"))
				y, _ := strconv.Atoi(strings.TrimPrefix(b, "r"))
				n += y - x + 1
			}
			if mn == "push" {
				n = -n
			}
			d += 4 * n
		case "add", "sub":
			if !strings.HasPrefix(ops, "sp, #") && !strings.HasPrefix(ops, "sp, sp, #") {
				continue
			}
			v, err := strconv.ParseInt(ops[strings.Index(ops, "#")+1:], 0, 32)
			if err != nil {
				t.Fatalf("parse %q: %v", s, err)
			}
			if mn == "sub" {
				v = -v
			}
			d += int(v)
		}
	}
	return d
}

func mustProfile(m Mode) Profile {
	p, err := ProfileFor(m)
	if err != nil {
		panic(err)
	}
	return p
}

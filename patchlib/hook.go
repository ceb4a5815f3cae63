package patchlib

import (
	"errors"
	"fmt"
)

// Hook describes a hook to install.
type Hook struct {
	Target  Addr   // where execution is diverted from
	Scratch Addr   // start of the space reserved for the trampoline
	Limit   Addr   // end of the reserved space, or zero for the end of the image
	Code    []byte // injected code, called with r0 pointing to the saved registers

	// Function makes the trampoline skip the displaced instructions if the
	// injected code returns non-zero.
	Function bool
}

// State is how far a Trampoline has been written.
type State int

const (
	Unpatched         State = iota // planned, nothing written
	ScratchEmitted                 // trampoline written, call site untouched
	CallSiteRewritten              // hook is live
)

func (s State) String() string {
	switch s {
	case Unpatched:
		return "unpatched"
	case ScratchEmitted:
		return "scratch emitted"
	case CallSiteRewritten:
		return "call site rewritten"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Trampoline is a planned or installed hook. The layout is:
//
//	save registers
//	mov r0, sp
//	call hook
//	[cmp r0, #0; beq observe; jump skip]  (function hooks)
//	observe: restore registers
//	relocated instructions
//	resume: jump to Target+Consumed
//	[skip: restore registers; jump resume] (function hooks)
//	[nop]
//	hook: injected code
type Trampoline struct {
	Target    Addr
	Scratch   Addr
	PatchSize int  // size of the jump at Target
	Consumed  int  // original bytes displaced, at least PatchSize
	Hook      Addr // injected code
	Resume    Addr // jump back to the original code
	Size      int  // bytes used at Scratch
	Function  bool

	state State
	orig  []byte // original bytes at Target
	code  []byte
	patch []byte
}

// End returns the address after the trampoline.
func (t *Trampoline) End() Addr {
	return t.Scratch + Addr(t.Size)
}

// Next returns the end of the trampoline rounded up to 16 bytes, which is
// where the next allocation from the same space should start.
func (t *Trampoline) Next() Addr {
	return AlignUp(t.End(), 16)
}

// State returns how far the trampoline has been written.
func (t *Trampoline) State() State {
	return t.state
}

// Code returns the bytes which will be written at Scratch.
func (t *Trampoline) Code() []byte {
	return t.code
}

// Patch returns the bytes which will be written at Target.
func (t *Trampoline) Patch() []byte {
	return t.patch
}

// maxPasses bounds the layout iterations. Addresses only move when an
// encoding changes size, which happens at most a few times.
const maxPasses = 8

type labels struct {
	hook, observe, skip, resume Addr
}

// PlanHook lays out a hook without writing anything.
func (p *Patcher) PlanHook(h Hook) (*Trampoline, error) {
	limit := Addr(p.img.Len())
	if h.Limit != 0 && h.Limit < limit {
		limit = h.Limit
	}
	if h.Scratch >= limit {
		return nil, fmt.Errorf("PlanHook: %w: scratch %s is past the end of the space (%s)", ErrOutOfRangeLiteral, h.Scratch, limit)
	}

	t := &Trampoline{
		Target:    h.Target,
		Scratch:   h.Scratch,
		PatchSize: p.prof.JumpSize(h.Target, h.Scratch),
		Function:  h.Function,
	}

	// the call site
	cs := newStage(h.Target, h.Target+Addr(t.PatchSize))
	if _, err := (emitter{p, cs}).jump(h.Target, h.Scratch); err != nil {
		return nil, fmt.Errorf("PlanHook: call site: %w", err)
	}
	if len(cs.bytes()) != t.PatchSize {
		return nil, fmt.Errorf("PlanHook: %w: call site jump is %d bytes, expected %d", ErrEncoding, len(cs.bytes()), t.PatchSize)
	}
	t.patch = cs.bytes()

	// the trampoline, until every label stops moving
	l := labels{h.Scratch, h.Scratch, h.Scratch, h.Scratch}
	for pass := 1; ; pass++ {
		st := newStage(h.Scratch, limit)
		got, end, consumed, err := p.layout(h, t.PatchSize, l, st)
		if err != nil {
			return nil, fmt.Errorf("PlanHook: %w", err)
		}
		Log("hook %s: pass %d: %d bytes, hook at %s", h.Target, pass, end-h.Scratch, got.hook)
		if got == l {
			t.Consumed, t.Hook, t.Resume = consumed, got.hook, got.resume
			t.Size, t.code = int(end-h.Scratch), st.bytes()
			break
		}
		if pass == maxPasses {
			return nil, fmt.Errorf("PlanHook: layout did not settle after %d passes", pass)
		}
		l = got
	}

	if t.Scratch < t.Target+Addr(t.Consumed) && t.Target < t.End() {
		return nil, fmt.Errorf("PlanHook: %w: trampoline [%s, %s) overlaps displaced code [%s, %s)", ErrOutOfRangeLiteral, t.Scratch, t.End(), t.Target, t.Target+Addr(t.Consumed))
	}
	orig, err := p.img.Read(t.Target, t.Consumed)
	if err != nil {
		return nil, fmt.Errorf("PlanHook: %w", err)
	}
	t.orig = append([]byte(nil), orig...)
	return t, nil
}

// layout emits one pass of the trampoline into st using the label addresses
// from the previous pass, and returns the labels it actually produced.
func (p *Patcher) layout(h Hook, patchSize int, l labels, st *stage) (got labels, end Addr, consumed int, err error) {
	e := emitter{p, st}
	cur := h.Scratch
	step := func(what string, fn func() (Addr, error)) {
		if err != nil {
			return
		}
		if cur, err = fn(); err != nil {
			err = fmt.Errorf("%s: %w", what, err)
		}
	}

	step("save registers", func() (Addr, error) { return e.emit(p.prof.SaveRegs(cur), cur, 0) })
	step("hook argument", func() (Addr, error) { return e.emit("mov r0, sp", cur, 0) })
	step("call hook", func() (Addr, error) { return e.call(cur, l.hook, false) })
	if h.Function {
		step("test result", func() (Addr, error) { return e.emit("cmp r0, #0", cur, 0) })
		step("test result", func() (Addr, error) { return e.branch(cur, Branch{Cond: "eq", Target: p.img.Abs(l.observe)}) })
		step("skip", func() (Addr, error) { return e.jump(cur, l.skip) })
		got.observe = cur
	}
	step("restore registers", func() (Addr, error) { return e.emit(p.prof.RestoreRegs(cur), cur, 0) })
	step("relocate", func() (Addr, error) {
		c, n, rerr := e.relocate(h.Target, patchSize, cur)
		consumed = n
		return c, rerr
	})
	got.resume = cur
	step("resume", func() (Addr, error) { return e.jump(cur, h.Target+Addr(consumed)) })
	if h.Function {
		got.skip = cur
		step("restore registers", func() (Addr, error) { return e.emit(p.prof.RestoreRegs(cur), cur, 0) })
		step("resume", func() (Addr, error) { return e.jump(cur, l.resume) })
	} else {
		got.observe, got.skip = l.observe, l.skip
	}
	step("align", func() (Addr, error) { return e.align(cur, 4) })
	got.hook = cur
	step("hook code", func() (Addr, error) { return e.raw(h.Code, cur) })
	return got, cur, consumed, err
}

// Commit writes a planned trampoline, then rewrites the call site. If writing
// the trampoline fails, the call site is left untouched.
func (p *Patcher) Commit(t *Trampoline) error {
	if t.state != Unpatched {
		return fmt.Errorf("Commit: hook at %s is already %s", t.Target, t.state)
	}
	if err := p.img.Expect(t.Target, t.orig); err != nil {
		return fmt.Errorf("Commit: displaced code changed since planning: %w", err)
	}
	if err := p.img.Write(t.Scratch, t.code); err != nil {
		return fmt.Errorf("Commit: write trampoline: %w", err)
	}
	t.state = ScratchEmitted
	if err := p.img.Write(t.Target, t.patch); err != nil {
		return fmt.Errorf("Commit: write call site: %w", err)
	}
	t.state = CallSiteRewritten
	Log("hook %s -> %s: %d bytes, resume at %s", t.Target, t.Scratch, t.Size, t.Target+Addr(t.Consumed))
	return nil
}

// InstallHook diverts execution at target through code placed in the space at
// scratch. The code is called with r0 pointing to the saved registers, and
// the displaced instructions run after it returns.
func (p *Patcher) InstallHook(target, scratch Addr, code []byte) (*Trampoline, error) {
	return p.install(Hook{Target: target, Scratch: scratch, Code: code})
}

// InstallFunctionHook is like InstallHook, but if the code returns non-zero,
// the displaced instructions are skipped.
func (p *Patcher) InstallFunctionHook(target, scratch Addr, code []byte) (*Trampoline, error) {
	return p.install(Hook{Target: target, Scratch: scratch, Code: code, Function: true})
}

func (p *Patcher) install(h Hook) (*Trampoline, error) {
	if len(h.Code) == 0 {
		return nil, errors.New("InstallHook: no hook code")
	}
	t, err := p.PlanHook(h)
	if err != nil {
		return nil, fmt.Errorf("InstallHook: %w", err)
	}
	if err := p.Commit(t); err != nil {
		return t, fmt.Errorf("InstallHook: %w", err)
	}
	return t, nil
}

// Package patchlib installs hooks and assembly patches into ARM and Thumb
// machine code.
package patchlib

import (
	"bytes"
	"errors"
	"fmt"
)

// Log is called for every relocated instruction and hook stage. It does
// nothing by default.
var Log = func(format string, a ...interface{}) {}

// Patcher generates code into an Image for one instruction set mode. All
// addresses are image-relative; the services only ever see absolute ones.
type Patcher struct {
	img  *Image
	mode Mode
	prof Profile
	asm  Assembler
	dis  Disassembler
}

// NewPatcher creates a new Patcher. The image base must be word-aligned, since
// the long forms depend on the alignment of the absolute address.
func NewPatcher(img *Image, mode Mode, asm Assembler, dis Disassembler) (*Patcher, error) {
	prof, err := ProfileFor(mode)
	if err != nil {
		return nil, fmt.Errorf("NewPatcher: %w", err)
	}
	if img == nil {
		return nil, errors.New("NewPatcher: image is nil")
	}
	if asm == nil || dis == nil {
		return nil, errors.New("NewPatcher: assembler and disassembler are required")
	}
	if img.Base()%4 != 0 {
		return nil, fmt.Errorf("NewPatcher: image base %s is not word-aligned", img.Base())
	}
	return &Patcher{img, mode, prof, asm, dis}, nil
}

// Image returns the image being patched.
func (p *Patcher) Image() *Image {
	return p.img
}

// Mode returns the instruction set mode.
func (p *Patcher) Mode() Mode {
	return p.mode
}

// Profile returns the Profile for the mode.
func (p *Patcher) Profile() Profile {
	return p.prof
}

func (p *Patcher) direct() emitter {
	return emitter{p, p.img}
}

// RawPatch assembles text at an address and writes it over the original
// instructions. Nothing is relocated. It returns the number of bytes written.
func (p *Patcher) RawPatch(text string, at Addr) (int, error) {
	e := p.direct()
	b, err := e.assemble(text, at)
	if err != nil {
		return 0, fmt.Errorf("RawPatch: %w", err)
	}
	if _, err := e.raw(b, at); err != nil {
		return 0, fmt.Errorf("RawPatch: %w", err)
	}
	Log("patch %s: %s (%d bytes)", at, text, len(b))
	return len(b), nil
}

// ReplaceBytes replaces the bytes at an address with others of the same
// length. If find is not nil, the original bytes must match it.
func (p *Patcher) ReplaceBytes(at Addr, find, replace []byte) error {
	if find != nil {
		if len(find) != len(replace) {
			return errors.New("ReplaceBytes: replacement must be the same length as the original")
		}
		if cur, err := p.img.Read(at, len(find)); err != nil {
			return fmt.Errorf("ReplaceBytes: %w", err)
		} else if !bytes.Equal(cur, find) {
			return fmt.Errorf("ReplaceBytes: %w at %s", ErrUnexpectedBytes, at)
		}
	}
	if err := p.img.Write(at, replace); err != nil {
		return fmt.Errorf("ReplaceBytes: %w", err)
	}
	return nil
}

// Relocate moves whole instructions from src to dst until at least n bytes
// have been consumed, rewriting anything which depends on its address. On
// error, written covers what was already emitted.
func (p *Patcher) Relocate(src Addr, n int, dst Addr) (written, consumed int, err error) {
	end, consumed, err := p.direct().relocate(src, n, dst)
	if err != nil {
		err = fmt.Errorf("Relocate: %w", err)
	}
	return int(end - dst), consumed, err
}

// Jump writes a jump from at to dst, returning the address after it.
func (p *Patcher) Jump(at, dst Addr) (Addr, error) {
	end, err := p.direct().jump(at, dst)
	if err != nil {
		return at, fmt.Errorf("Jump: %w", err)
	}
	return end, nil
}

// Call writes a call from at to dst, returning the address after it.
func (p *Patcher) Call(at, dst Addr) (Addr, error) {
	end, err := p.direct().call(at, dst, false)
	if err != nil {
		return at, fmt.Errorf("Call: %w", err)
	}
	return end, nil
}

// NOP writes n NOPs at an address.
func (p *Patcher) NOP(at Addr, n int) (Addr, error) {
	end, err := p.direct().pad(at, n*p.prof.NOPSize())
	if err != nil {
		return at, fmt.Errorf("NOP: %w", err)
	}
	return end, nil
}

// JumpPatchSize is the number of bytes a jump from at to dst will overwrite.
func (p *Patcher) JumpPatchSize(at, dst Addr) int {
	return p.prof.JumpSize(at, dst)
}

package patchlib

import "fmt"

// Addr is an offset into an Image. All addresses taken and returned by a
// Patcher are image-relative.
type Addr uint32

// Abs is an address in the target's address space (the image's load base plus
// an Addr). It only appears at the boundary with the assembler and
// disassembler services and in literals written into the image.
type Abs uint32

// Abs converts a to an absolute address for an image loaded at base.
func (a Addr) Abs(base Abs) Abs {
	return base + Abs(a)
}

// Rel converts a to an image-relative address for an image loaded at base.
// The result wraps for addresses below base, which keeps distances between
// Addrs correct.
func (a Abs) Rel(base Abs) Addr {
	return Addr(a - base)
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%X", uint32(a))
}

func (a Abs) String() string {
	return fmt.Sprintf("0x%08X", uint32(a))
}

// AlignUp rounds a up to a multiple of n, which must be a power of two.
func AlignUp(a Addr, n uint32) Addr {
	return Addr((uint32(a) + n - 1) &^ (n - 1))
}

func alignDown(a Abs, n uint32) Abs {
	return Abs(uint32(a) &^ (n - 1))
}

// dist returns the signed distance from at to dst.
func dist(at, dst Addr) int32 {
	return int32(uint32(dst) - uint32(at))
}

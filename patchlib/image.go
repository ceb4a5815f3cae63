package patchlib

import (
	"bytes"
	"errors"
	"fmt"
)

// Image is a binary loaded at a fixed base address. All mutations go through
// Write, which is bounds-checked and calls the hook if one is set.
type Image struct {
	buf  []byte
	base Abs
	hook func(at Addr, old, new []byte) error
}

// NewImage wraps buf, which will be modified in-place.
func NewImage(buf []byte, base Abs) *Image {
	return &Image{buf: buf, base: base}
}

// Bytes returns the current content of the image.
func (m *Image) Bytes() []byte {
	return m.buf
}

// Base returns the load base.
func (m *Image) Base() Abs {
	return m.base
}

// Len returns the size of the image.
func (m *Image) Len() int {
	return len(m.buf)
}

// Abs converts an image-relative address to an absolute one.
func (m *Image) Abs(a Addr) Abs {
	return a.Abs(m.base)
}

// Rel converts an absolute address to an image-relative one.
func (m *Image) Rel(a Abs) Addr {
	return a.Rel(m.base)
}

// Hook sets a hook to be called right before every change. If it returns an
// error, the write is aborted and the error is passed on. If nil (the
// default), the hook will be removed. The old and new arguments MUST NOT be
// modified by the hook.
func (m *Image) Hook(fn func(at Addr, old, new []byte) error) {
	m.hook = fn
}

func (m *Image) check(at Addr, n int) error {
	if n < 0 || uint64(at)+uint64(n) > uint64(len(m.buf)) {
		return fmt.Errorf("%w: [%s, %s) not in image of size 0x%X", ErrOutOfBounds, at, at+Addr(n), len(m.buf))
	}
	return nil
}

// Read returns n bytes at an address. The returned slice aliases the image.
func (m *Image) Read(at Addr, n int) ([]byte, error) {
	if err := m.check(at, n); err != nil {
		return nil, fmt.Errorf("Read: %w", err)
	}
	return m.buf[at : int(at)+n], nil
}

// Write replaces the bytes at an address.
func (m *Image) Write(at Addr, b []byte) error {
	if err := m.check(at, len(b)); err != nil {
		return fmt.Errorf("Write: %w", err)
	}
	if m.hook != nil {
		old := append([]byte(nil), m.buf[at:int(at)+len(b)]...)
		if err := m.hook(at, old, b); err != nil {
			return fmt.Errorf("Write: hook returned error: %w", err)
		}
	}
	copy(m.buf[at:], b)
	return nil
}

// ErrUnexpectedBytes is returned by Expect.
var ErrUnexpectedBytes = errors.New("unexpected bytes")

// Expect ensures the image contains b at an address.
func (m *Image) Expect(at Addr, b []byte) error {
	cur, err := m.Read(at, len(b))
	if err != nil {
		return fmt.Errorf("Expect: %w", err)
	}
	if !bytes.Equal(cur, b) {
		return fmt.Errorf("Expect: %w at %s: expected % X, got % X", ErrUnexpectedBytes, at, b, cur)
	}
	return nil
}

// sink receives generated code.
type sink interface {
	write(at Addr, b []byte) error
}

func (m *Image) write(at Addr, b []byte) error {
	return m.Write(at, b)
}

// stage buffers generated code for [start, limit) without touching the image.
type stage struct {
	start Addr
	limit Addr
	buf   []byte
}

func newStage(start, limit Addr) *stage {
	return &stage{start: start, limit: limit}
}

func (s *stage) write(at Addr, b []byte) error {
	if at < s.start || uint64(at)+uint64(len(b)) > uint64(s.limit) {
		return fmt.Errorf("%w: code at [%s, %s) outside reserved space [%s, %s)", ErrOutOfRangeLiteral, at, at+Addr(len(b)), s.start, s.limit)
	}
	off := int(at - s.start)
	if n := off + len(b); n > len(s.buf) {
		s.buf = append(s.buf, make([]byte, n-len(s.buf))...)
	}
	copy(s.buf[off:], b)
	return nil
}

func (s *stage) bytes() []byte {
	return s.buf
}

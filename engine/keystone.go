package engine

import (
	"fmt"

	"github.com/keystone-engine/keystone/bindings/go/keystone"
	"github.com/pgaskin/armhook/patchlib"
)

// assembler is the part of a Keystone engine used by Keystone.
type assembler interface {
	Assemble(str string, address uint64) ([]byte, uint64, bool)
	LastError() error
	Close() error
}

// Keystone assembles code with the Keystone engine. Results are cached, since
// the same branches are assembled many times while laying out a hook. It is
// not safe for concurrent use.
type Keystone struct {
	mode  patchlib.Mode
	ks    assembler
	cache map[ksKey][]byte
}

type ksKey struct {
	text string
	at   patchlib.Abs
}

// NewKeystone opens a Keystone engine for a mode. Thumb and Thumb-2 share the
// engine's Thumb mode.
func NewKeystone(m patchlib.Mode) (*Keystone, error) {
	var ks *keystone.Keystone
	var err error
	switch m {
	case patchlib.ModeARM:
		ks, err = keystone.New(keystone.ARCH_ARM, keystone.MODE_ARM)
	case patchlib.ModeThumb2, patchlib.ModeThumb:
		ks, err = keystone.New(keystone.ARCH_ARM, keystone.MODE_THUMB)
	default:
		return nil, fmt.Errorf("keystone: %w: %s", patchlib.ErrUnsupportedArchitecture, m)
	}
	if err != nil {
		return nil, fmt.Errorf("keystone: open: %w", err)
	}
	return newKeystone(m, ks), nil
}

func newKeystone(m patchlib.Mode, ks assembler) *Keystone {
	return &Keystone{m, ks, map[ksKey][]byte{}}
}

// Assemble implements patchlib.Assembler.
func (k *Keystone) Assemble(text string, at patchlib.Abs) ([]byte, error) {
	key := ksKey{text, at}
	if b, ok := k.cache[key]; ok {
		return b, nil
	}
	b, _, ok := k.ks.Assemble(text, uint64(at))
	if !ok {
		return nil, fmt.Errorf("%w: keystone: %v", patchlib.ErrEncoding, k.ks.LastError())
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: keystone: no output for %q", patchlib.ErrEncoding, text)
	}
	k.cache[key] = b
	return b, nil
}

// Mode returns the instruction set mode.
func (k *Keystone) Mode() patchlib.Mode {
	return k.mode
}

// Close closes the engine.
func (k *Keystone) Close() error {
	return k.ks.Close()
}

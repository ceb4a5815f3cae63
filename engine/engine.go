// Package engine implements the assembler and disassembler services used by
// patchlib on top of the Keystone and Capstone engines.
package engine

import "github.com/pgaskin/armhook/patchlib"

// New returns the default services for a mode: Keystone for assembly, and
// Capstone for disassembly. Both must be closed when no longer needed.
func New(m patchlib.Mode) (*Keystone, *Capstone, error) {
	ks, err := NewKeystone(m)
	if err != nil {
		return nil, nil, err
	}
	cs, err := NewCapstone(m)
	if err != nil {
		ks.Close()
		return nil, nil, err
	}
	return ks, cs, nil
}

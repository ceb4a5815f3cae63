package patchfile

import (
	"fmt"

	"github.com/pgaskin/armhook/elfobj"
	"github.com/pgaskin/armhook/freespace"
	"github.com/pgaskin/armhook/patchlib"
	"github.com/pkg/errors"
)

// Object resolves symbols. It is implemented by *elfobj.File.
type Object interface {
	Address(name string) (uint32, error)
	PLT(name string) (uint32, error)
	Opcodes(name string) ([]byte, error)
}

var _ Object = (*elfobj.File)(nil)

// Env is what records are applied to.
type Env struct {
	Patcher *patchlib.Patcher
	Objects []Object             // searched in order for symbols
	Space   *freespace.Allocator // scratch space for hooks without an explicit Scratch
	Dir     string               // base directory for CodeFile

	// KeepGoing skips records which fail because a symbol could not be found
	// instead of aborting.
	KeepGoing bool
}

// lookup tries each object in order, returning the first result. Objects
// which don't have the symbol are skipped.
func (e *Env) lookup(name string, fn func(Object, string) (uint32, error)) (uint32, error) {
	if len(e.Objects) == 0 {
		return 0, fmt.Errorf("%w: %#v (no objects to search)", elfobj.ErrSymbolNotFound, name)
	}
	var nf error
	for _, o := range e.Objects {
		v, err := fn(o, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, elfobj.ErrSymbolNotFound) {
			return 0, err
		}
		if nf == nil {
			nf = err
		}
	}
	return 0, nf
}

func (e *Env) opcodes(name string) ([]byte, error) {
	if len(e.Objects) == 0 {
		return nil, fmt.Errorf("%w: %#v (no objects to search)", elfobj.ErrSymbolNotFound, name)
	}
	var nf error
	for _, o := range e.Objects {
		b, err := o.Opcodes(name)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, elfobj.ErrSymbolNotFound) {
			return nil, err
		}
		if nf == nil {
			nf = err
		}
	}
	return nil, nf
}

// allocate plans a hook at the free space cursor, moving on to the next run
// whenever the trampoline doesn't fit, then commits it and advances the
// cursor past it.
func (e *Env) allocate(h patchlib.Hook, log func(string, ...interface{})) (*patchlib.Trampoline, error) {
	if e.Space == nil {
		return nil, errors.New("no Scratch address specified and no free space available")
	}
	var last error
	for {
		at, limit, err := e.Space.Cursor()
		if err != nil {
			if last != nil {
				return nil, fmt.Errorf("%w (last error: %v)", err, last)
			}
			return nil, err
		}
		h.Scratch, h.Limit = at, limit
		log("  PlanHook(%s, scratch=%s, limit=%s)", h.Target, at, limit)
		t, err := e.Patcher.PlanHook(h)
		if errors.Is(err, patchlib.ErrOutOfRangeLiteral) {
			log("    -> does not fit: %v", err)
			last = err
			e.Space.Skip()
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := e.Patcher.Commit(t); err != nil {
			return t, err
		}
		next := t.Next()
		if next > limit {
			next = limit
		}
		if err := e.Space.Advance(next); err != nil {
			return t, err
		}
		return t, nil
	}
}

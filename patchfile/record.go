package patchfile

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/pgaskin/armhook/patchlib"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Record is a single item of a patch. Exactly one field is set.
type Record struct {
	Enabled      *Enabled      `yaml:"Enabled,omitempty"`
	Description  *Description  `yaml:"Description,omitempty"`
	PatchGroup   *PatchGroup   `yaml:"PatchGroup,omitempty"`
	Hook         *Hook         `yaml:"Hook,omitempty"`
	FunctionHook *FunctionHook `yaml:"FunctionHook,omitempty"`
	Patch        *Patch        `yaml:"Patch,omitempty"`
	ReplaceBytes *ReplaceBytes `yaml:"ReplaceBytes,omitempty"`
	Jump         *Jump         `yaml:"Jump,omitempty,flow"`
	Call         *Call         `yaml:"Call,omitempty,flow"`
	NOP          *NOP          `yaml:"NOP,omitempty,flow"`
}

type RecordNode map[string]yaml.Node

func (r RecordNode) ToRecord() (*Record, error) {
	if len(r) == 0 {
		return nil, fmt.Errorf("expected record, got nothing")
	}
	if len(r) > 1 {
		return nil, fmt.Errorf("line %d: multiple types found in record, maybe you forgot a '-'", r.Line(0))
	}
	var n Record
	for name, node := range r {
		if field := reflect.ValueOf(&n).Elem().FieldByName(name); !field.IsValid() {
			return nil, fmt.Errorf("line %d: unknown record type %#v", node.Line, name)
		} else if err := node.DecodeStrict(field.Addr().Interface()); err != nil {
			return nil, fmt.Errorf("line %d: error decoding record: %w", node.Line, err)
		}
	}
	return &n, nil
}

// Line returns the line of the first value in the record.
func (r RecordNode) Line(def int) int {
	line := def
	for _, node := range r {
		if line == def || node.Line < line {
			line = node.Line
		}
	}
	return line
}

// Applier returns the record which does something, or nil if it is only
// metadata.
func (r Record) Applier() Applier {
	rv := reflect.ValueOf(r)
	for i := 0; i < rv.NumField(); i++ {
		if f := rv.Field(i); !f.IsNil() {
			if a, ok := f.Interface().(Applier); ok {
				return a
			}
			return nil
		}
	}
	return nil
}

// Kind returns the name of the set field.
func (r Record) Kind() string {
	rv := reflect.ValueOf(r)
	for i := 0; i < rv.NumField(); i++ {
		if !rv.Field(i).IsNil() {
			return rv.Type().Field(i).Name
		}
	}
	return ""
}

type Enabled bool
type Description string
type PatchGroup string

// Applier is a record which modifies the image.
type Applier interface {
	ApplyTo(env *Env, log func(string, ...interface{})) error
}

// Hook diverts execution at Target through injected code, then runs the
// displaced instructions and resumes.
type Hook struct {
	Target  FlexAddr  `yaml:"Target"`
	Scratch *FlexAddr `yaml:"Scratch,omitempty"` // if not specified, the next free space is used

	// the injected code, exactly one must be specified
	Code     []byte  `yaml:"Code,omitempty"`
	CodeH    *string `yaml:"CodeH,omitempty"`
	CodeSym  *string `yaml:"CodeSym,omitempty"`  // bytes of a sized symbol in one of the objects
	CodeFile *string `yaml:"CodeFile,omitempty"` // raw binary, relative to the patch file

	Expect  []byte  `yaml:"Expect,omitempty"` // the original bytes at Target
	ExpectH *string `yaml:"ExpectH,omitempty"`
}

// FunctionHook is a Hook where the displaced instructions are skipped if the
// injected code returns non-zero.
type FunctionHook Hook

func (h *Hook) ApplyTo(env *Env, log func(string, ...interface{})) error {
	return h.apply(env, log, "Hook", false)
}

func (h *FunctionHook) ApplyTo(env *Env, log func(string, ...interface{})) error {
	return (*Hook)(h).apply(env, log, "FunctionHook", true)
}

func (h *Hook) apply(env *Env, log func(string, ...interface{}), name string, fn bool) error {
	log("%s(%s)", name, h.Target)

	target, err := h.Target.Resolve(env)
	if err != nil {
		return errors.Wrapf(err, "%s: resolve Target", name)
	}
	log("  Target -> %s", target)

	code, err := h.code(env)
	if err != nil {
		return errors.Wrapf(err, "%s: get code", name)
	}
	log("  Code -> %d bytes", len(code))

	var scratch *patchlib.Addr
	if h.Scratch != nil {
		s, err := h.Scratch.Resolve(env)
		if err != nil {
			return errors.Wrapf(err, "%s: resolve Scratch", name)
		}
		log("  Scratch -> %s", s)
		scratch = &s
	}

	if err := expect(env, target, h.Expect, h.ExpectH, log); err != nil {
		return errors.Wrap(err, name)
	}

	hk := patchlib.Hook{
		Target:   target,
		Code:     code,
		Function: fn,
	}

	var t *patchlib.Trampoline
	if scratch != nil {
		hk.Scratch = *scratch
		if t, err = env.Patcher.PlanHook(hk); err == nil {
			err = env.Patcher.Commit(t)
		}
	} else {
		t, err = env.allocate(hk, log)
	}
	if err != nil {
		return errors.Wrap(err, name)
	}
	log("  -> trampoline at %s (%d bytes), hook at %s, resume at %s", t.Scratch, t.Size, t.Hook, t.Target+patchlib.Addr(t.Consumed))
	return nil
}

func (h *Hook) code(env *Env) ([]byte, error) {
	var c int
	for _, v := range []bool{h.Code != nil, h.CodeH != nil, h.CodeSym != nil, h.CodeFile != nil} {
		if v {
			c++
		}
	}
	if c != 1 {
		return nil, errors.Errorf("exactly one of Code, CodeH, CodeSym, or CodeFile must be specified, got %d", c)
	}
	var b []byte
	var err error
	switch {
	case h.Code != nil:
		b = h.Code
	case h.CodeH != nil:
		b, err = decodeHex(*h.CodeH)
	case h.CodeSym != nil:
		b, err = env.opcodes(*h.CodeSym)
	case h.CodeFile != nil:
		fn := *h.CodeFile
		if !filepath.IsAbs(fn) && env.Dir != "" {
			fn = filepath.Join(env.Dir, fn)
		}
		b, err = os.ReadFile(fn)
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("code is empty")
	}
	return b, nil
}

// Patch assembles instructions over the original ones, without relocating
// anything.
type Patch struct {
	At      FlexAddr `yaml:"At"`
	Asm     string   `yaml:"Asm"`
	Expect  []byte   `yaml:"Expect,omitempty"`
	ExpectH *string  `yaml:"ExpectH,omitempty"`
}

func (p *Patch) ApplyTo(env *Env, log func(string, ...interface{})) error {
	log("Patch(%s, %#v)", p.At, p.Asm)
	at, err := p.At.Resolve(env)
	if err != nil {
		return errors.Wrap(err, "Patch: resolve At")
	}
	log("  At -> %s", at)
	if strings.TrimSpace(p.Asm) == "" {
		return errors.New("Patch: no instructions")
	}
	if err := expect(env, at, p.Expect, p.ExpectH, log); err != nil {
		return errors.Wrap(err, "Patch")
	}
	n, err := env.Patcher.RawPatch(p.Asm, at)
	if err != nil {
		return errors.Wrap(err, "Patch")
	}
	log("  -> wrote %d bytes", n)
	return nil
}

// ReplaceBytes replaces bytes at an address, or only checks them if CheckOnly
// is set.
type ReplaceBytes struct {
	At        FlexAddr `yaml:"At"`
	Find      []byte   `yaml:"Find,omitempty"`
	Replace   []byte   `yaml:"Replace,omitempty"`
	FindH     *string  `yaml:"FindH,omitempty"`
	ReplaceH  *string  `yaml:"ReplaceH,omitempty"`
	CheckOnly *bool    `yaml:"CheckOnly,omitempty"` // if specified and true, it will only ensure the presence of Find
}

func (r *ReplaceBytes) ApplyTo(env *Env, log func(string, ...interface{})) error {
	log("ReplaceBytes(%s)", r.At)
	at, err := r.At.Resolve(env)
	if err != nil {
		return errors.Wrap(err, "ReplaceBytes: resolve At")
	}
	log("  At -> %s", at)

	find, replace := r.Find, r.Replace
	if r.FindH != nil {
		if find != nil {
			return errors.New("ReplaceBytes: Find and FindH are mutually exclusive")
		}
		if find, err = decodeHex(*r.FindH); err != nil {
			return errors.Wrapf(err, "ReplaceBytes: expand FindH=%#v", *r.FindH)
		}
		log("  FindH -> % X", find)
	}
	if r.ReplaceH != nil {
		if replace != nil {
			return errors.New("ReplaceBytes: Replace and ReplaceH are mutually exclusive")
		}
		if replace, err = decodeHex(*r.ReplaceH); err != nil {
			return errors.Wrapf(err, "ReplaceBytes: expand ReplaceH=%#v", *r.ReplaceH)
		}
		log("  ReplaceH -> % X", replace)
	}

	if r.CheckOnly != nil && *r.CheckOnly {
		if replace != nil {
			return errors.New("ReplaceBytes: CheckOnly is mutually exclusive with Replace")
		}
		if len(find) == 0 {
			return errors.New("ReplaceBytes: CheckOnly requires Find")
		}
		log("  Expect(%s, % X)", at, find)
		if err := env.Patcher.Image().Expect(at, find); err != nil {
			return errors.Wrap(err, "ReplaceBytes")
		}
		return nil
	}

	if len(replace) == 0 {
		return errors.New("ReplaceBytes: no replacement specified")
	}
	log("  ReplaceBytes(%s, % X, % X)", at, find, replace)
	if err := env.Patcher.ReplaceBytes(at, find, replace); err != nil {
		return errors.Wrap(err, "ReplaceBytes")
	}
	return nil
}

// Jump writes a jump (using a long form if needed) from At to To.
type Jump struct {
	At FlexAddr `yaml:"At"`
	To FlexAddr `yaml:"To"`
}

func (j *Jump) ApplyTo(env *Env, log func(string, ...interface{})) error {
	at, to, err := resolveBranch(env, j.At, j.To)
	if err != nil {
		return errors.Wrap(err, "Jump")
	}
	log("Jump(%s -> %s) | %s -> %s", j.At, j.To, at, to)
	end, err := env.Patcher.Jump(at, to)
	if err != nil {
		return errors.Wrap(err, "Jump")
	}
	log("  -> wrote %d bytes", int(end-at))
	return nil
}

// Call writes a call from At to To.
type Call struct {
	At FlexAddr `yaml:"At"`
	To FlexAddr `yaml:"To"`
}

func (c *Call) ApplyTo(env *Env, log func(string, ...interface{})) error {
	at, to, err := resolveBranch(env, c.At, c.To)
	if err != nil {
		return errors.Wrap(err, "Call")
	}
	log("Call(%s -> %s) | %s -> %s", c.At, c.To, at, to)
	end, err := env.Patcher.Call(at, to)
	if err != nil {
		return errors.Wrap(err, "Call")
	}
	log("  -> wrote %d bytes", int(end-at))
	return nil
}

func resolveBranch(env *Env, from, to FlexAddr) (patchlib.Addr, patchlib.Addr, error) {
	at, err := from.Resolve(env)
	if err != nil {
		return 0, 0, errors.Wrap(err, "resolve At")
	}
	dst, err := to.Resolve(env)
	if err != nil {
		return 0, 0, errors.Wrap(err, "resolve To")
	}
	return at, dst, nil
}

// NOP writes Count NOP instructions at an address.
type NOP struct {
	At    FlexAddr `yaml:"At"`
	Count int      `yaml:"Count"`
}

func (n *NOP) ApplyTo(env *Env, log func(string, ...interface{})) error {
	log("NOP(%s, %d)", n.At, n.Count)
	if n.Count <= 0 {
		return errors.Errorf("NOP: count must be positive, got %d", n.Count)
	}
	at, err := n.At.Resolve(env)
	if err != nil {
		return errors.Wrap(err, "NOP: resolve At")
	}
	if _, err := env.Patcher.NOP(at, n.Count); err != nil {
		return errors.Wrap(err, "NOP")
	}
	return nil
}

// expect checks the original bytes at an address if a guard was specified.
func expect(env *Env, at patchlib.Addr, b []byte, h *string, log func(string, ...interface{})) error {
	if h != nil {
		if b != nil {
			return errors.New("Expect and ExpectH are mutually exclusive")
		}
		var err error
		if b, err = decodeHex(*h); err != nil {
			return errors.Wrapf(err, "expand ExpectH=%#v", *h)
		}
	}
	if b == nil {
		return nil
	}
	log("  Expect(%s, % X)", at, b)
	return env.Patcher.Image().Expect(at, b)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.Join(strings.Fields(s), ""))
}

package patchfile

import (
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/pgaskin/armhook/patchlib"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FlexAddr allows specifying an address with either a direct integer (image
// offset - Offset), string (symbol - Sym), or an object with one of the
// fields.
type FlexAddr struct {
	Offset *int64  `yaml:"Offset,omitempty"` // image-relative, can be specified in place of this object
	Abs    *int64  `yaml:"Abs,omitempty"`    // absolute address
	Sym    *string `yaml:"Sym,omitempty"`    // can be specified in place of this object
	SymPLT *string `yaml:"SymPLT,omitempty"` // PLT stub of an imported function
	Inline bool    `yaml:"-"`                // whether the Offset/Sym was inline
	Rel    *int32  `yaml:"Rel,omitempty"`    // optional, gets added to the address found
}

func (f *FlexAddr) UnmarshalYAML(n *yaml.Node) error {
	*f = FlexAddr{} // reset

	if n.Kind == yaml.ScalarNode {
		var offset int64
		if err := n.DecodeStrict(&offset); err == nil {
			f.Offset = &offset
			f.Inline = true
			return nil
		}
		var sym string
		if err := n.DecodeStrict(&sym); err == nil {
			f.Sym = &sym
			f.Inline = true
			return nil
		}
	}

	type FlexAddrData FlexAddr // MarshalYAML and UnmarshalYAML aren't inherited, but the struct tags are
	var obj FlexAddrData
	if err := n.DecodeStrict(&obj); err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*f = FlexAddr(obj)
	return nil
}

func (f FlexAddr) MarshalYAML() (interface{}, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if f.Inline && f.Rel == nil {
		if f.Offset != nil {
			return f.Offset, nil
		}
		if f.Sym != nil {
			return f.Sym, nil
		}
	}
	type FlexAddrData FlexAddr
	return FlexAddrData(f), nil
}

// JSONSchema implements jsonschema.JSONSchema.
func (FlexAddr) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Title:       "Address",
		Description: "an image offset, a symbol name, or an object with exactly one of Offset, Abs, Sym or SymPLT and an optional Rel",
		OneOf: []*jsonschema.Schema{
			{Type: "integer", Description: "image offset"},
			{Type: "string", Description: "symbol name (mangled or demangled)"},
			{Type: "object", Description: "Offset | Abs | Sym | SymPLT, with an optional Rel"},
		},
	}
}

func (f FlexAddr) String() string {
	var s string
	switch {
	case f.Offset != nil:
		s = fmt.Sprintf("0x%X", *f.Offset)
	case f.Abs != nil:
		s = fmt.Sprintf("abs:0x%08X", *f.Abs)
	case f.Sym != nil:
		s = fmt.Sprintf("%q", *f.Sym)
	case f.SymPLT != nil:
		s = fmt.Sprintf("plt:%q", *f.SymPLT)
	default:
		s = "?"
	}
	if f.Rel != nil {
		s += fmt.Sprintf("%+d", *f.Rel)
	}
	return s
}

// Resolve returns the image-relative address. Symbols and absolute addresses
// are converted using the image base.
func (f FlexAddr) Resolve(env *Env) (patchlib.Addr, error) {
	if err := f.validate(); err != nil {
		return 0, err
	}
	img := env.Patcher.Image()
	var addr patchlib.Addr
	switch {
	case f.Offset != nil:
		addr = patchlib.Addr(*f.Offset)
	case f.Abs != nil:
		addr = img.Rel(patchlib.Abs(*f.Abs))
	case f.Sym != nil:
		v, err := env.lookup(*f.Sym, Object.Address)
		if err != nil {
			return 0, errors.Wrapf(err, "resolve symbol %#v", *f.Sym)
		}
		addr = img.Rel(patchlib.Abs(v))
	case f.SymPLT != nil:
		v, err := env.lookup(*f.SymPLT, Object.PLT)
		if err != nil {
			return 0, errors.Wrapf(err, "resolve plt entry of %#v", *f.SymPLT)
		}
		addr = img.Rel(patchlib.Abs(v))
	default:
		panic("this should have been caught by FlexAddr.validate")
	}
	if f.Rel != nil {
		addr += patchlib.Addr(*f.Rel)
	}
	if int(addr) >= img.Len() {
		return 0, fmt.Errorf("%w: %s resolves to %s, image size is 0x%X", patchlib.ErrOutOfBounds, f, addr, img.Len())
	}
	return addr, nil
}

func (f FlexAddr) validate() error {
	if f.Offset != nil && *f.Offset < 0 {
		return fmt.Errorf("offset must be positive, got %d", *f.Offset)
	}
	if f.Abs != nil && (*f.Abs < 0 || *f.Abs > 0xFFFFFFFF) {
		return fmt.Errorf("absolute address must be a 32-bit unsigned integer, got %d", *f.Abs)
	}
	var c int
	for _, v := range []bool{f.Offset != nil, f.Abs != nil, f.Sym != nil, f.SymPLT != nil} {
		if v {
			c++
		}
	}
	if c == 0 {
		return errors.New("no address method specified")
	}
	if c > 1 {
		return fmt.Errorf("multiple address methods specified (%s)", f)
	}
	return nil
}

// Package elfobj reads symbol addresses, sizes and code from 32-bit ARM ELF
// objects, including the PLT stubs of imported functions.
package elfobj

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/ianlancetaylor/demangle"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrSizeUnknown    = errors.New("symbol size unknown")
	ErrNotARM         = errors.New("not a 32-bit arm elf")
)

// Symbol is a symbol from the static or dynamic symbol table.
type Symbol struct {
	Name      string
	Demangled string `json:",omitempty"`

	// Value is the address of the symbol. For functions, the thumb bit is
	// cleared and reported in Thumb instead.
	Value uint32
	Thumb bool `json:",omitempty"`
	Size  uint32
	Type  string
	// Dynamic is true if the symbol came from the dynamic symbol table.
	Dynamic bool `json:",omitempty"`

	// decoded from the R_ARM_JUMP_SLOT relocs and the PLT
	GOT     uint32 `json:",omitempty"`
	PLT     uint32 `json:",omitempty"`
	PLTTail uint32 `json:",omitempty"`

	typ     elf.SymType
	index   uint32
	section elf.SectionIndex
}

// File is an opened ELF object.
type File struct {
	e      *elf.File
	closer io.Closer
	syms   []*Symbol
	name   map[string]*Symbol
	dem    map[string]*Symbol
	plterr error
}

// Open opens and reads the symbols of the ELF object at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	o, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read %#v: %w", path, err)
	}
	o.closer = f
	return o, nil
}

// NewFile reads the symbols of an ELF object. A PLT which cannot be decoded is
// not an error here, but will be returned from PLT.
func NewFile(r io.ReaderAt) (*File, error) {
	e, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	if e.Class != elf.ELFCLASS32 || e.Machine != elf.EM_ARM {
		return nil, ErrNotARM
	}
	o := &File{
		e:    e,
		name: map[string]*Symbol{},
		dem:  map[string]*Symbol{},
	}
	if err := o.load(); err != nil {
		return nil, err
	}
	return o, nil
}

// Close closes the underlying file if it was opened by Open.
func (o *File) Close() error {
	if o.closer != nil {
		return o.closer.Close()
	}
	return nil
}

func (o *File) load() error {
	dsyms, err := o.e.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("get dynamic symbols: %w", err)
	}
	for i, s := range dsyms {
		// DynamicSymbols skips the null symbol, so the relocation indexes are
		// off by one
		o.add(s, true, uint32(i+1))
	}

	ssyms, err := o.e.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("get symbols: %w", err)
	}
	for _, s := range ssyms {
		o.add(s, false, 0)
	}

	if len(dsyms) != 0 {
		o.plterr = o.loadPLT()
	}
	return nil
}

func (o *File) add(s elf.Symbol, dynamic bool, index uint32) {
	if s.Name == "" {
		return
	}
	typ := elf.ST_TYPE(s.Info)
	if typ == elf.STT_SECTION || typ == elf.STT_FILE {
		return
	}
	if _, ok := o.name[s.Name]; ok {
		return
	}
	sym := &Symbol{
		Name:    s.Name,
		Value:   uint32(s.Value),
		Size:    uint32(s.Size),
		Type:    typ.String(),
		Dynamic: dynamic,
		typ:     typ,
		index:   index,
		section: s.Section,
	}
	if typ == elf.STT_FUNC && sym.Value&1 != 0 {
		// For the purposes of relocation the value used shall be the address
		// of the instruction (st_value & ~1).
		sym.Value &^= 1
		sym.Thumb = true
	}
	if v, err := demangle.ToString(s.Name); err == nil {
		sym.Demangled = v
	}
	o.syms = append(o.syms, sym)
	o.name[s.Name] = sym
	if sym.Demangled != "" {
		if _, ok := o.dem[sym.Demangled]; !ok {
			o.dem[sym.Demangled] = sym
		}
	}
}

func (o *File) loadPLT() error {
	rels, err := decpltrel(o.e)
	if err != nil {
		return fmt.Errorf("read plt relocs: %w", err)
	}
	ents, err := decplt(o.e)
	if err != nil {
		return fmt.Errorf("decode plt: %w", err)
	}
	bygot := map[uint32]pltent{}
	for _, ent := range ents {
		bygot[ent.GOT] = ent
	}
	byindex := map[uint32]*Symbol{}
	for _, s := range o.syms {
		if s.Dynamic {
			byindex[s.index] = s
		}
	}
	for _, rel := range rels {
		if elf.R_ARM(elf.R_TYPE32(rel.Info)) != elf.R_ARM_JUMP_SLOT {
			continue
		}
		s, ok := byindex[elf.R_SYM32(rel.Info)]
		if !ok || s.typ != elf.STT_FUNC {
			continue
		}
		s.GOT = rel.Off
		if ent, ok := bygot[rel.Off]; ok {
			s.PLT, s.PLTTail = ent.PLT, ent.Tail
		}
	}
	return nil
}

// Symbols returns all named symbols sorted by address.
func (o *File) Symbols() []*Symbol {
	syms := append([]*Symbol(nil), o.syms...)
	sort.SliceStable(syms, func(i, j int) bool {
		return syms[i].Value < syms[j].Value
	})
	return syms
}

// Lookup finds a symbol by its mangled name, then by its demangled one.
func (o *File) Lookup(name string) (*Symbol, error) {
	if s, ok := o.name[name]; ok {
		return s, nil
	}
	if s, ok := o.dem[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %#v", ErrSymbolNotFound, name)
}

// Address returns the address of a defined symbol.
func (o *File) Address(name string) (uint32, error) {
	s, err := o.Lookup(name)
	if err != nil {
		return 0, err
	}
	if s.section == elf.SHN_UNDEF {
		return 0, fmt.Errorf("%w: %#v is not defined in this object", ErrSymbolNotFound, name)
	}
	return s.Value, nil
}

// Size returns the size of a symbol.
func (o *File) Size(name string) (uint32, error) {
	s, err := o.Lookup(name)
	if err != nil {
		return 0, err
	}
	if s.Size == 0 {
		return 0, fmt.Errorf("%w: %#v", ErrSizeUnknown, name)
	}
	return s.Size, nil
}

// Opcodes returns the bytes of a symbol. In relocatable objects, symbol values
// are relative to their section.
func (o *File) Opcodes(name string) ([]byte, error) {
	addr, err := o.Address(name)
	if err != nil {
		return nil, err
	}
	size, err := o.Size(name)
	if err != nil {
		return nil, err
	}
	s, _ := o.Lookup(name)
	if i := int(s.section); s.section < elf.SHN_LORESERVE && i < len(o.e.Sections) {
		sec := o.e.Sections[i]
		off := uint64(addr)
		if o.e.Type != elf.ET_REL {
			off -= sec.Addr
		}
		if sec.Type == elf.SHT_NOBITS || off+uint64(size) > sec.Size {
			return nil, fmt.Errorf("%#v: 0x%X bytes at 0x%X are outside %s", name, size, addr, sec.Name)
		}
		buf := make([]byte, size)
		if _, err := sec.ReadAt(buf, int64(off)); err != nil {
			return nil, fmt.Errorf("%#v: read %s: %w", name, sec.Name, err)
		}
		return buf, nil
	}
	return o.Read(addr, int(size))
}

// Read reads n bytes at a virtual address.
func (o *File) Read(addr uint32, n int) ([]byte, error) {
	for _, sec := range o.e.Sections {
		if sec.Type == elf.SHT_NOBITS || sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if uint64(addr) < sec.Addr || uint64(addr)+uint64(n) > sec.Addr+sec.Size {
			continue
		}
		buf := make([]byte, n)
		if _, err := sec.ReadAt(buf, int64(uint64(addr)-sec.Addr)); err != nil {
			return nil, fmt.Errorf("read %s: %w", sec.Name, err)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("no section contains 0x%X-0x%X", addr, addr+uint32(n))
}

// PLT returns the address of the PLT stub of an imported function.
func (o *File) PLT(name string) (uint32, error) {
	s, err := o.Lookup(name)
	if err != nil {
		return 0, err
	}
	if s.PLT == 0 {
		if o.plterr != nil {
			return 0, fmt.Errorf("%#v: %w", name, o.plterr)
		}
		return 0, fmt.Errorf("%w: %#v has no plt entry", ErrSymbolNotFound, name)
	}
	return s.PLT, nil
}

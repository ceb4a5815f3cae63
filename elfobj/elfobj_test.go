package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSection struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	addr  uint32
	link  uint32
	data  []byte
}

type testSym struct {
	name  string
	value uint32
	size  uint32
	typ   elf.SymType
	shndx uint16
}

func words(ws ...uint32) []byte {
	var b []byte
	for _, w := range ws {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

// symtab returns the symbol and string table contents.
func symtab(syms ...testSym) ([]byte, []byte) {
	var st, str bytes.Buffer
	str.WriteByte(0)
	binary.Write(&st, binary.LittleEndian, elf.Sym32{})
	for _, s := range syms {
		binary.Write(&st, binary.LittleEndian, elf.Sym32{
			Name:  uint32(str.Len()),
			Value: s.value,
			Size:  s.size,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, s.typ),
			Shndx: s.shndx,
		})
		str.WriteString(s.name)
		str.WriteByte(0)
	}
	return st.Bytes(), str.Bytes()
}

// buildELF builds a minimal ARM shared object with a symbol table, a dynamic
// symbol table, and a two-entry PLT. If typ is ET_REL, symbol values are
// relative to .text, which has no address.
func buildELF(t *testing.T, machine elf.Machine, typ elf.Type) []byte {
	t.Helper()

	var text uint32
	if typ != elf.ET_REL {
		text = 0x1000
	}

	dynsym, dynstr := symtab(
		testSym{"puts", 0, 0, elf.STT_FUNC, 0},
		testSym{"_Z5helloi", 0, 0, elf.STT_FUNC, 0},
		testSym{"exported", 0x1004, 4, elf.STT_FUNC, 1},
	)
	sym, str := symtab(
		testSym{"main", text, 4, elf.STT_FUNC, 1},
		testSym{"_ZN3Foo3barEv", text + 9, 6, elf.STT_FUNC, 1},
		testSym{"nosize", text + 0xC, 0, elf.STT_FUNC, 1},
		testSym{"exported", text + 4, 4, elf.STT_FUNC, 1},
	)
	var relplt []byte
	for i, got := range []uint32{0x300C, 0x3010} {
		relplt = append(relplt, words(got, elf.R_INFO32(uint32(i+1), uint32(elf.R_ARM_JUMP_SLOT)))...)
	}

	secs := []testSection{
		{},
		{".text", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_EXECINSTR, text, 0, words(
			0xE92D4010, // push {r4, lr}
			0xE8BD8010, // pop {r4, pc}
			0x4770B510, // push {r4, lr}; bx lr
			0x00004770,
		)},
		{".plt", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_EXECINSTR, 0x2000, 0, words(
			0xE52DE004, // push {lr}
			0xE59FE004, // ldr lr, [pc, #4]
			0xE08FE00E, // add lr, pc, lr
			0xE5BEF008, // ldr pc, [lr, #8]!
			0x00000FE0, // .word
			0xE28FC600, // 0x2014: add ip, pc, #0, 12
			0xE28CCA00, // add ip, ip, #0, 20
			0xE5BCFFF0, // ldr pc, [ip, #0xff0]! -> 0x300C
			0x46C04778, // 0x2020: bx pc; mov r8, r8
			0xE28FC600, // 0x2024: add ip, pc, #0, 12
			0xE28CCA00, // add ip, ip, #0, 20
			0xE5BCFFE4, // ldr pc, [ip, #0xfe4]! -> 0x3010
		)},
		{".got", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_WRITE, 0x3000, 0, make([]byte, 0x14)},
		{".rel.plt", elf.SHT_REL, elf.SHF_ALLOC, 0, 5, relplt},
		{".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC, 0, 6, dynsym},
		{".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, 0, 0, dynstr},
		{".symtab", elf.SHT_SYMTAB, 0, 0, 8, sym},
		{".strtab", elf.SHT_STRTAB, 0, 0, 0, str},
		{".shstrtab", elf.SHT_STRTAB, 0, 0, 0, nil},
	}

	var shstr bytes.Buffer
	shstr.WriteByte(0)
	names := make([]uint32, len(secs))
	for i, s := range secs {
		if s.name != "" {
			names[i] = uint32(shstr.Len())
			shstr.WriteString(s.name)
			shstr.WriteByte(0)
		}
	}
	secs[len(secs)-1].data = shstr.Bytes()

	var body bytes.Buffer
	offs := make([]uint32, len(secs))
	for i, s := range secs {
		for body.Len()%4 != 0 {
			body.WriteByte(0)
		}
		offs[i] = uint32(52 + body.Len())
		body.Write(s.data)
	}
	for body.Len()%4 != 0 {
		body.WriteByte(0)
	}

	var b bytes.Buffer
	hdr := elf.Header32{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint32(52 + body.Len()),
		Ehsize:    52,
		Shentsize: 40,
		Shnum:     uint16(len(secs)),
		Shstrndx:  uint16(len(secs) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	require.NoError(t, binary.Write(&b, binary.LittleEndian, hdr))
	b.Write(body.Bytes())
	for i, s := range secs {
		sh := elf.Section32{}
		if i != 0 {
			sh = elf.Section32{
				Name:      names[i],
				Type:      uint32(s.typ),
				Flags:     uint32(s.flags),
				Addr:      s.addr,
				Off:       offs[i],
				Size:      uint32(len(s.data)),
				Link:      s.link,
				Addralign: 4,
			}
			switch s.typ {
			case elf.SHT_SYMTAB, elf.SHT_DYNSYM:
				sh.Entsize = elf.Sym32Size
			case elf.SHT_REL:
				sh.Entsize = 8
			}
		}
		require.NoError(t, binary.Write(&b, binary.LittleEndian, sh))
	}
	return b.Bytes()
}

func TestFile(t *testing.T) {
	o, err := NewFile(bytes.NewReader(buildELF(t, elf.EM_ARM, elf.ET_DYN)))
	require.NoError(t, err)

	addr, err := o.Address("main")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1000), addr)

	s, err := o.Lookup("Foo::bar()")
	require.NoError(t, err, "demangled lookup")
	assert.Equal(t, "_ZN3Foo3barEv", s.Name)
	assert.Equal(t, uint32(0x1008), s.Value, "thumb bit cleared")
	assert.True(t, s.Thumb)

	b, err := o.Opcodes("main")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x40, 0x2D, 0xE9}, b)

	b, err = o.Opcodes("_ZN3Foo3barEv")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0xB5, 0x70, 0x47, 0x70, 0x47}, b)

	_, err = o.Size("nosize")
	assert.True(t, errors.Is(err, ErrSizeUnknown), "%v", err)
	_, err = o.Opcodes("nosize")
	assert.True(t, errors.Is(err, ErrSizeUnknown), "%v", err)

	_, err = o.Lookup("missing")
	assert.True(t, errors.Is(err, ErrSymbolNotFound), "%v", err)
	_, err = o.Address("puts")
	assert.True(t, errors.Is(err, ErrSymbolNotFound), "imports have no address: %v", err)

	s, err = o.Lookup("exported")
	require.NoError(t, err)
	assert.True(t, s.Dynamic, "the dynamic table is read first")

	syms := o.Symbols()
	for i := 1; i < len(syms); i++ {
		assert.LessOrEqual(t, syms[i-1].Value, syms[i].Value)
	}
	assert.Len(t, syms, 6)
}

func TestPLT(t *testing.T) {
	o, err := NewFile(bytes.NewReader(buildELF(t, elf.EM_ARM, elf.ET_DYN)))
	require.NoError(t, err)

	plt, err := o.PLT("puts")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2014), plt)

	plt, err = o.PLT("hello(int)")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2024), plt)

	s, _ := o.Lookup("_Z5helloi")
	assert.Equal(t, uint32(0x3010), s.GOT)
	assert.Equal(t, uint32(0x2020), s.PLTTail)

	_, err = o.PLT("main")
	assert.True(t, errors.Is(err, ErrSymbolNotFound), "%v", err)
}

func TestRelocatable(t *testing.T) {
	o, err := NewFile(bytes.NewReader(buildELF(t, elf.EM_ARM, elf.ET_REL)))
	require.NoError(t, err)

	addr, err := o.Address("main")
	require.NoError(t, err, "a symbol at the start of its section is still defined")
	assert.Zero(t, addr)

	b, err := o.Opcodes("main")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x40, 0x2D, 0xE9}, b)

	b, err = o.Opcodes("Foo::bar()")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0xB5, 0x70, 0x47, 0x70, 0x47}, b)
}

func TestNotARM(t *testing.T) {
	_, err := NewFile(bytes.NewReader(buildELF(t, elf.EM_386, elf.ET_DYN)))
	assert.True(t, errors.Is(err, ErrNotARM))

	_, err = NewFile(bytes.NewReader([]byte("not an elf")))
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "libtest.so")
	require.NoError(t, os.WriteFile(fn, buildELF(t, elf.EM_ARM, elf.ET_DYN), 0644))

	o, err := Open(fn)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.Address("main")
	assert.NoError(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "missing.so"))
	assert.Error(t, err)
}

package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pgaskin/armhook/elfobj"
	"github.com/pgaskin/armhook/freespace"
	"github.com/pgaskin/armhook/patchlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrValue(t *testing.T) {
	for _, c := range []struct {
		In  string
		Out uint32
		Err bool
	}{
		{"0", 0, false},
		{"0x8000", 0x8000, false},
		{"0X10000", 0x10000, false},
		{"4096", 4096, false},
		{"0o17", 0o17, false},
		{"0xFFFFFFFF", 0xFFFFFFFF, false},
		{"0x100000000", 0, true},
		{"-1", 0, true},
		{"main", 0, true},
		{"", 0, true},
	} {
		t.Run(c.In, func(t *testing.T) {
			var a addrValue
			err := a.Set(c.In)
			if c.Err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.Out, uint32(a))
		})
	}

	a := addrValue(0x10000)
	assert.Equal(t, "0x10000", a.String())
	assert.Equal(t, "addr", a.Type())
}

func TestFlexAddrFlag(t *testing.T) {
	for _, c := range []struct {
		In  string
		Out string
		Err bool
	}{
		{"0x100", "0x100", false},
		{"256", "0x100", false},
		{"@0x10100", "abs:0x00010100", false},
		{"plt:puts", `plt:"puts"`, false},
		{"_ZN5QMenu4execEv", `"_ZN5QMenu4execEv"`, false},
		{"QMenu::exec()", `"QMenu::exec()"`, false},
		{"plt:", `"plt:"`, false},
		{"@main", "", true},
		{"", "", true},
	} {
		t.Run(c.In, func(t *testing.T) {
			fa, err := flexAddr(c.In)
			if c.Err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.Out, fa.String())
		})
	}
}

const testConfig = `version: "1.0"
in: in.bin
out: out.bin
log: armhook.log
mode: arm
base: 0x10000
symbols:
  missing_later: 0x10104
space:
  runs:
    - {at: 0x300, size: 0x100}
patches:
  - patches.yaml
overrides:
  patches.yaml:
    Replace: true
`

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(testConfig))
	require.NoError(t, err)
	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, "in.bin", cfg.In)
	assert.Equal(t, "arm", cfg.Mode)
	assert.Equal(t, uint32(0x10000), cfg.Base)
	assert.Equal(t, map[string]uint32{"missing_later": 0x10104}, cfg.Symbols)
	require.NotNil(t, cfg.Space)
	assert.Equal(t, []runConfig{{At: 0x300, Size: 0x100}}, cfg.Space.Runs)
	assert.Equal(t, []string{"patches.yaml"}, cfg.Patches)
	assert.True(t, cfg.Overrides["patches.yaml"]["Replace"])

	for _, c := range []struct {
		name string
		y    string
		err  string
	}{
		{"Empty", ``, "empty config"},
		{"UnknownField", "in: a\nout: b\nmode: arm\npatches: [p]\nbogus: 1\n", "bogus"},
		{"NoInput", "out: b\nmode: arm\npatches: [p]\n", "no input"},
		{"NoOutput", "in: a\nmode: arm\npatches: [p]\n", "no output"},
		{"NoMode", "in: a\nout: b\npatches: [p]\n", "no mode"},
		{"NoPatches", "in: a\nout: b\nmode: arm\n", "no patch files"},
		{"BadMode", "in: a\nout: b\nmode: mips\npatches: [p]\n", "unsupported architecture"},
		{"Unaligned", "in: a\nout: b\nmode: thumb2\nbase: 0x8002\npatches: [p]\n", "not 4-byte aligned"},
		{"Override", "in: a\nout: b\nmode: arm\npatches: [p]\noverrides: {q: {x: true}}\n", "not in patches"},
		{"Align", "in: a\nout: b\nmode: arm\npatches: [p]\nspace: {align: 12}\n", "power of two"},
		{"Window", "in: a\nout: b\nmode: arm\npatches: [p]\nspace: {from: 0x200, to: 0x100}\n", "before from"},
	} {
		t.Run(c.name, func(t *testing.T) {
			_, err := parseConfig([]byte(c.y))
			if assert.Error(t, err) {
				assert.Contains(t, strings.ToLower(err.Error()), c.err)
			}
		})
	}
}

func TestConfigPath(t *testing.T) {
	cfg := &config{dir: filepath.Join("a", "b")}
	assert.Equal(t, filepath.Join("a", "b", "c.yaml"), cfg.path("c.yaml"))
	assert.Equal(t, "", cfg.path(""))
	abs, _ := filepath.Abs("x")
	assert.Equal(t, abs, cfg.path(abs))
	assert.Equal(t, "c.yaml", (&config{}).path("c.yaml"))
}

func TestFindSpace(t *testing.T) {
	buf := bytes.Repeat([]byte{0xFF}, 0x400)
	zero := func(from, to int) {
		for i := from; i < to; i++ {
			buf[i] = 0
		}
	}
	zero(0x080, 0x0C0) // 0x40
	zero(0x108, 0x200) // 0xF8
	zero(0x300, 0x3A0) // 0xA0
	img := patchlib.NewImage(buf, 0x10000)

	runs, err := (&spaceConfig{}).findSpace(img)
	require.NoError(t, err)
	assert.Equal(t, []freespace.Run{
		{Addr: 0x110, Size: 0xF0},
		{Addr: 0x300, Size: 0xA0},
		{Addr: 0x080, Size: 0x40},
	}, runs)

	runs, err = (&spaceConfig{From: 0x140, To: 0x380, Min: 16, Align: 16}).findSpace(img)
	require.NoError(t, err)
	assert.Equal(t, []freespace.Run{
		{Addr: 0x140, Size: 0xC0},
		{Addr: 0x300, Size: 0x80},
	}, runs)

	runs, err = (&spaceConfig{From: 0x1F8, Min: 4, Align: 4}).findSpace(img)
	require.NoError(t, err)
	assert.Equal(t, []freespace.Run{
		{Addr: 0x300, Size: 0xA0},
		{Addr: 0x1F8, Size: 0x8},
	}, runs)

	runs, err = (&spaceConfig{Runs: []runConfig{{At: 0x300, Size: 0x20}, {At: 0x080, Size: 0x40}}}).findSpace(img)
	require.NoError(t, err)
	assert.Equal(t, []freespace.Run{
		{Addr: 0x300, Size: 0x20},
		{Addr: 0x080, Size: 0x40},
	}, runs, "explicit runs keep their order")

	_, err = (&spaceConfig{Runs: []runConfig{{At: 0x0F0, Size: 0x20}}}).findSpace(img)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "not empty")
	}
	_, err = (&spaceConfig{Runs: []runConfig{{At: 0x3F0, Size: 0x20}}}).findSpace(img)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "outside the image")
	}
	_, err = (&spaceConfig{From: 0x500}).findSpace(img)
	assert.Error(t, err)
}

func TestSymbolMap(t *testing.T) {
	m := symbolMap{"main": 0x10100}

	v, err := m.Address("main")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10100), v)

	_, err = m.Address("other")
	assert.True(t, errors.Is(err, elfobj.ErrSymbolNotFound))
	_, err = m.PLT("main")
	assert.True(t, errors.Is(err, elfobj.ErrSymbolNotFound))
	_, err = m.Opcodes("main")
	assert.True(t, errors.Is(err, elfobj.ErrSymbolNotFound))
}

func TestReadInput(t *testing.T) {
	dir := t.TempDir()

	fn := filepath.Join(dir, "in.bin")
	require.NoError(t, os.WriteFile(fn, []byte{1, 2, 3}, 0644))
	buf, err := readInput(fn)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf)

	fn = filepath.Join(dir, "in.bin.xz")
	require.NoError(t, os.WriteFile(fn, []byte("not xz data at all"), 0644))
	_, err = readInput(fn)
	assert.Error(t, err)

	_, err = readInput(filepath.Join(dir, "missing.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestWriteSyms(t *testing.T) {
	syms := []*elfobj.Symbol{
		{Name: "main", Value: 0x10100, Size: 0x20, Type: "FUNC"},
		{Name: "puts", Value: 0, Type: "FUNC", Dynamic: true, PLT: 0x101F0, GOT: 0x20010},
	}

	var buf bytes.Buffer
	require.NoError(t, writeSyms(&buf, syms, false))
	var all []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, "main", all[0]["Name"])
	assert.NotContains(t, all[0], "PLT")
	assert.Equal(t, float64(0x101F0), all[1]["PLT"])

	buf.Reset()
	require.NoError(t, writeSyms(&buf, syms, true))
	var plt []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &plt))
	require.Len(t, plt, 1)
	assert.Equal(t, "puts", plt[0]["Name"])

	buf.Reset()
	require.NoError(t, writeSyms(&buf, nil, false))
	var none []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &none))
	assert.Empty(t, none)
}

func TestWriteRuns(t *testing.T) {
	img := patchlib.NewImage(make([]byte, 0x100), 0x10000)
	var buf bytes.Buffer
	writeRuns(&buf, img, []freespace.Run{{Addr: 0x40, Size: 0x20}})
	assert.Equal(t, "0x40  0x00010040-0x00010060  0x20\n", buf.String())
}

func TestSchema(t *testing.T) {
	buf, err := schema("config")
	require.NoError(t, err)
	assert.True(t, json.Valid(buf))
	for _, k := range []string{`"patches"`, `"keepGoing"`, `"space"`, `"runs"`} {
		assert.Contains(t, string(buf), k)
	}

	buf, err = schema("patch")
	require.NoError(t, err)
	assert.True(t, json.Valid(buf))
	for _, k := range []string{`"FunctionHook"`, `"ReplaceBytes"`, `"CodeH"`, `"Address"`} {
		assert.Contains(t, string(buf), k)
	}

	_, err = schema("other")
	assert.Error(t, err)
}

// fakeARM encodes each ARM statement as 0xEE000000 plus an index into the
// statements it has seen.
type fakeARM struct {
	texts  []string
	ids    map[string]int
	closed bool
}

func newFakeARM() *fakeARM {
	return &fakeARM{texts: []string{""}, ids: map[string]int{}}
}

func (f *fakeARM) Assemble(text string, at patchlib.Abs) ([]byte, error) {
	var b []byte
	for _, stmt := range patchlib.SplitText(text) {
		id, ok := f.ids[stmt]
		if !ok {
			id = len(f.texts)
			f.texts = append(f.texts, stmt)
			f.ids[stmt] = id
		}
		b = binary.LittleEndian.AppendUint32(b, 0xEE000000|uint32(id))
	}
	return b, nil
}

func (f *fakeARM) Disassemble(code []byte, at patchlib.Abs) (patchlib.Instruction, error) {
	in := patchlib.Instruction{Addr: at}
	if len(code) < 4 {
		return in, nil
	}
	w := binary.LittleEndian.Uint32(code)
	if id := int(w & 0xFFFFFF); w>>24 == 0xEE && id > 0 && id < len(f.texts) {
		in.Len = 4
		in.Mnemonic, in.Operands, _ = strings.Cut(f.texts[id], " ")
	}
	return in, nil
}

func (f *fakeARM) text(t *testing.T, buf []byte, at int) string {
	t.Helper()
	in, _ := f.Disassemble(buf[at:], patchlib.Abs(0x10000+at))
	require.NotZero(t, in.Len, "no instruction at %#x", at)
	return in.Text()
}

const testPatches = `Hook:
  - Enabled: true
  - Hook:
      Target: 0x100
      CodeH: 1E FF 2F E1

Replace:
  - Enabled: false
  - ReplaceBytes: {At: 0x200, FindH: AA BB, ReplaceH: CC DD}

Missing:
  - Enabled: true
  - Jump: {At: 0x104, To: not_a_symbol}
  - NOP: {At: 0x108, Count: 1}
`

func setupApply(t *testing.T, keepGoing bool) (string, *fakeARM) {
	t.Helper()

	fake := newFakeARM()
	old := newServices
	newServices = func(patchlib.Mode, string) (patchlib.Assembler, patchlib.Disassembler, func(), error) {
		return fake, fake, func() { fake.closed = true }, nil
	}
	t.Cleanup(func() {
		newServices = old
	})

	in := make([]byte, 0x400)
	code, _ := fake.Assemble("add r1, r2, r3; sub r1, r1, #1; cmp r1, #0", 0)
	copy(in[0x100:], code)
	copy(in[0x200:], []byte{0xAA, 0xBB})
	for i := 0x000; i < 0x080; i++ {
		in[i] = 0xFF
	}

	dir := t.TempDir()
	cfg := testConfig
	if keepGoing {
		cfg += "keepGoing: true\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "armhook.yaml"), []byte(cfg), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "patches.yaml"), []byte(testPatches), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.bin"), in, 0644))
	return dir, fake
}

func TestRunApply(t *testing.T) {
	dir, fake := setupApply(t, true)
	require.NoError(t, runApply(filepath.Join(dir, "armhook.yaml")))
	assert.True(t, fake.closed, "engines closed")

	out, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	require.NoError(t, err)
	require.Len(t, out, 0x400)

	assert.Equal(t, "b #0x10300", fake.text(t, out, 0x100), "hook jump")
	assert.Equal(t, "sub r1, r1, #1", fake.text(t, out, 0x104), "skipped record")
	assert.Equal(t, "mov r0, r0", fake.text(t, out, 0x108), "nop")
	assert.Equal(t, []byte{0xCC, 0xDD}, out[0x200:0x202], "override")
	assert.True(t, bytes.Contains(out[0x300:], []byte{0x1E, 0xFF, 0x2F, 0xE1}), "hook code")

	log, err := os.ReadFile(filepath.Join(dir, "armhook.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "applying patches.yaml")
	assert.Contains(t, string(log), "not_a_symbol")
	assert.Nil(t, logFile, "log file closed")
}

func TestRunApplyError(t *testing.T) {
	dir, _ := setupApply(t, false)
	err := runApply(filepath.Join(dir, "armhook.yaml"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, elfobj.ErrSymbolNotFound))
		assert.Contains(t, err.Error(), `patch "Missing"`)
	}

	_, err = os.Stat(filepath.Join(dir, "out.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "no output on error")

	log, err := os.ReadFile(filepath.Join(dir, "armhook.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "Fatal")
}

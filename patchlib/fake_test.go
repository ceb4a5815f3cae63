package patchlib

import (
	"encoding/binary"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"testing"
)

// fakeEngine is an assembler and disassembler pair which encodes each
// statement as an index into a table of the texts it has seen. ARM statements
// are words with the top byte set to 0xEE. Thumb statements are a halfword
// holding the index and a wide bit, followed by 0xFFFF if wide. Index 0 is
// never used, so zeroed memory does not decode.
type fakeEngine struct {
	mode  Mode
	texts []string
	ids   map[string]int
	fail  string // statements containing this fail to assemble
}

func newFake(mode Mode) *fakeEngine {
	return &fakeEngine{mode: mode, texts: []string{""}, ids: map[string]int{}}
}

var fakeWide = map[string]bool{
	"bl": true, "blx": true, "addw": true, "subw": true,
	"mrs": true, "msr": true, "movw": true, "movt": true,
}

func (f *fakeEngine) size(stmt string) int {
	if f.mode == ModeARM {
		return 4
	}
	mn, ops, _ := strings.Cut(stmt, " ")
	if strings.HasSuffix(mn, ".w") || fakeWide[mn] {
		return 4
	}
	if f.mode == ModeThumb && !fakeNarrow(mn, ops) {
		return 4 // like a real assembler, fall back to a Thumb-2 encoding
	}
	return 2
}

var fakeMem = regexp.MustCompile(`\[(\w+), #(-?(?:0x[0-9a-f]+|[0-9]+))\]`)

// fakeNarrow reports whether the 16-bit Thumb instruction set can encode a
// statement, for the forms used in the tests. Three-operand add and sub only
// exist relative to sp or pc, and memory offsets are limited to #124, or
// #1020 relative to sp or pc.
func fakeNarrow(mn, ops string) bool {
	if args := strings.Split(ops, ", "); len(args) == 3 && (mn == "add" || mn == "sub") {
		if args[1] != "sp" && args[1] != "pc" {
			return false
		}
	}
	if m := fakeMem.FindStringSubmatch(ops); m != nil {
		v, err := strconv.ParseInt(m[2], 0, 32)
		max := int64(124)
		if m[1] == "sp" || m[1] == "pc" {
			max = 1020
		}
		if err != nil || v < 0 || v > max {
			return false
		}
	}
	return true
}

func (f *fakeEngine) Assemble(text string, at Abs) ([]byte, error) {
	var b []byte
	for _, stmt := range SplitText(text) {
		if f.fail != "" && strings.Contains(stmt, f.fail) {
			return nil, errors.New("rejected by test")
		}
		id, ok := f.ids[stmt]
		if !ok {
			id = len(f.texts)
			f.texts = append(f.texts, stmt)
			f.ids[stmt] = id
		}
		switch f.size(stmt) {
		case 4:
			if f.mode == ModeARM {
				b = binary.LittleEndian.AppendUint32(b, 0xEE000000|uint32(id))
			} else {
				b = binary.LittleEndian.AppendUint16(b, uint16(id<<1|1))
				b = binary.LittleEndian.AppendUint16(b, 0xFFFF)
			}
		default:
			b = binary.LittleEndian.AppendUint16(b, uint16(id<<1))
		}
	}
	return b, nil
}

func (f *fakeEngine) Disassemble(code []byte, at Abs) (Instruction, error) {
	in := Instruction{Addr: at}
	var id, n int
	if f.mode == ModeARM {
		if len(code) < 4 {
			return in, nil
		}
		w := binary.LittleEndian.Uint32(code)
		if w>>24 != 0xEE {
			return in, nil
		}
		id, n = int(w&0xFFFFFF), 4
	} else {
		if len(code) < 2 {
			return in, nil
		}
		h := binary.LittleEndian.Uint16(code)
		id, n = int(h>>1), 2
		if h&1 != 0 {
			if len(code) < 4 || binary.LittleEndian.Uint16(code[2:]) != 0xFFFF {
				return in, nil
			}
			n = 4
		}
	}
	if id <= 0 || id >= len(f.texts) {
		return in, nil
	}
	in.Len = n
	in.Mnemonic, in.Operands, _ = strings.Cut(f.texts[id], " ")
	return in, nil
}

// put assembles text into the image.
func (f *fakeEngine) put(t *testing.T, img *Image, at Addr, text string) Addr {
	t.Helper()
	b, err := f.Assemble(text, img.Abs(at))
	if err != nil {
		t.Fatalf("put %q: %v", text, err)
	}
	if err := img.Write(at, b); err != nil {
		t.Fatalf("put %q: %v", text, err)
	}
	return at + Addr(len(b))
}

// text disassembles the instruction at an address.
func (f *fakeEngine) text(t *testing.T, img *Image, at Addr) string {
	t.Helper()
	b, _ := img.Read(at, min(4, img.Len()-int(at)))
	in, _ := f.Disassemble(b, img.Abs(at))
	if in.Len == 0 {
		t.Fatalf("no instruction at %s", at)
	}
	return in.Text()
}

// listing disassembles [at, end), stopping at the first undecodable word.
func (f *fakeEngine) listing(img *Image, at, end Addr) (texts []string, addrs []Addr) {
	for at < end {
		b, _ := img.Read(at, min(4, int(end-at)))
		in, _ := f.Disassemble(b, img.Abs(at))
		if in.Len == 0 {
			break
		}
		texts, addrs = append(texts, in.Text()), append(addrs, at)
		at += Addr(in.Len)
	}
	return
}

func word(t *testing.T, img *Image, at Addr) uint32 {
	t.Helper()
	b, err := img.Read(at, 4)
	if err != nil {
		t.Fatalf("read word: %v", err)
	}
	return binary.LittleEndian.Uint32(b)
}

func newTestPatcher(t *testing.T, mode Mode, size int, base Abs) (*Patcher, *fakeEngine) {
	t.Helper()
	f := newFake(mode)
	p, err := NewPatcher(NewImage(make([]byte, size), base), mode, f, f)
	if err != nil {
		t.Fatalf("NewPatcher: %v", err)
	}
	return p, f
}

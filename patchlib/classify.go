package patchlib

import (
	"regexp"
	"strconv"
	"strings"
)

// Class is the kind of rewriting an instruction needs when it is moved.
type Class int

const (
	ClassPlain         Class = iota // location-independent, copied as text
	ClassPC                         // reads pc
	ClassBranch                     // pc-relative branch or call
	ClassUnrelocatable              // cannot be moved
)

func (c Class) String() string {
	switch c {
	case ClassPlain:
		return "plain"
	case ClassPC:
		return "pc"
	case ClassBranch:
		return "branch"
	case ClassUnrelocatable:
		return "unrelocatable"
	}
	return "Class(" + strconv.Itoa(int(c)) + ")"
}

// Branch is a decoded branch with an immediate target.
type Branch struct {
	Link     bool   // sets lr (bl, blx)
	Exchange bool   // switches between ARM and Thumb (blx)
	Cond     string // condition code, empty if unconditional
	Zero     string // cbz or cbnz, with Reg holding the tested register
	Reg      string
	Target   Abs
}

// Classification is the result of Classify.
type Classification struct {
	Class   Class
	Text    string // normalized instruction text
	Scratch string // register for ClassPC rewriting
	Literal bool   // ClassPC reads the word-aligned pc (Thumb literal forms)
	Ref     *PCRef // ClassPC is a literal load or address computation
	Branch  Branch // for ClassBranch
	Reason  string // for ClassUnrelocatable
}

// PCRef is a load from, or an address computed from, pc plus a constant:
// "ldr rT, [pc, #disp]", "adr rD, #disp", or "add rD, pc, #disp". These are
// rewritten without pc by loading the address from a literal.
type PCRef struct {
	Reg  string // destination, one of r0-r7
	Disp int32
	Load bool // whether the word at the address is loaded
}

var conds = map[string]bool{
	"eq": true, "ne": true, "cs": true, "hs": true, "cc": true, "lo": true,
	"mi": true, "pl": true, "vs": true, "vc": true, "hi": true, "ls": true,
	"ge": true, "lt": true, "gt": true, "le": true, "al": true,
}

var (
	reBraces = regexp.MustCompile(`\{[^}]*\}`)
	rePC     = regexp.MustCompile(`\b(pc|r15)\b`)
	reSP     = regexp.MustCompile(`\b(sp|r13)\b`)
	reImm    = regexp.MustCompile(`^#(-?(?:0x[0-9a-fA-F]+|[0-9]+))$`)
)

// Classify decides how an instruction must be rewritten to execute at another
// address. It only looks at the instruction text.
func Classify(in Instruction) Classification {
	mn := strings.ToLower(strings.TrimSpace(in.Mnemonic))
	ops := strings.TrimSpace(in.Operands)
	c := Classification{Class: ClassPlain, Text: in.Text()}

	if b, ok := parseBranch(mn, ops); ok {
		c.Class, c.Branch = ClassBranch, b
		return c
	}

	// adr is add with an implicit pc operand
	if base, suffix := splitMnemonic(mn); base == "adr" {
		if dst, imm, ok := splitFirst(ops); ok {
			mn, ops = "add"+suffix, dst+", pc, "+imm
		}
	}

	outside := reBraces.ReplaceAllString(ops, "{}")
	store := hasPrefix(mn, "str", "stm", "push")
	if store && strings.Contains(ops, "{") && rePC.MatchString(ops) {
		return unrelocatable(c, "stores pc from a register list")
	}
	if !rePC.MatchString(outside) {
		return c // pc only in a register list (pop, ldm) or not at all
	}
	if hasPrefix(mn, "bx", "blx") {
		return unrelocatable(c, "branches to pc")
	}

	dst, rest, _ := splitFirst(outside)
	source := store || hasPrefix(mn, "cmp", "cmn", "tst", "teq")
	writes := !source && rePC.MatchString(dst)
	reads := rePC.MatchString(rest) || (source && rePC.MatchString(dst))
	switch {
	case writes && reads:
		return unrelocatable(c, "reads and writes pc")
	case writes:
		return c // e.g. mov pc, lr
	case reSP.MatchString(outside):
		return unrelocatable(c, "reads pc and uses sp")
	}

	c.Scratch = scratchReg(ops)
	if c.Scratch == "" {
		return unrelocatable(c, "no free low register")
	}
	c.Literal = strings.Contains(ops, "[") || (strings.Contains(ops, "#") && hasPrefix(mn, "add", "sub"))
	c.Class = ClassPC
	c.Text = mn + " " + rePC.ReplaceAllString(ops, c.Scratch)
	c.Ref = pcRef(mn, ops)
	return c
}

var (
	rePCLoad = regexp.MustCompile(`^(r[0-7]), \[(?:pc|r15)(?:, #(-?(?:0x[0-9a-fA-F]+|[0-9]+)))?\]$`)
	rePCAdd  = regexp.MustCompile(`^(r[0-7]), (?:pc|r15), #(-?(?:0x[0-9a-fA-F]+|[0-9]+))$`)
)

func pcRef(mn, ops string) *PCRef {
	var m []string
	r := &PCRef{}
	switch base, _ := splitMnemonic(mn); base {
	case "ldr":
		m, r.Load = rePCLoad.FindStringSubmatch(ops), true
	case "add", "addw", "sub", "subw":
		m = rePCAdd.FindStringSubmatch(ops)
	}
	if m == nil {
		return nil
	}
	r.Reg = m[1]
	if m[2] != "" {
		v, err := strconv.ParseInt(m[2], 0, 32)
		if err != nil {
			return nil
		}
		r.Disp = int32(v)
	}
	if strings.HasPrefix(mn, "sub") {
		r.Disp = -r.Disp
	}
	return r
}

func hasPrefix(s string, prefix ...string) bool {
	for _, p := range prefix {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func unrelocatable(c Classification, reason string) Classification {
	c.Class, c.Reason = ClassUnrelocatable, reason
	return c
}

// parseBranch recognizes b, bl, blx, and cbz/cbnz with an immediate target,
// with optional condition and width suffixes.
func parseBranch(mn, ops string) (Branch, bool) {
	var b Branch
	mn = strings.TrimSuffix(strings.TrimSuffix(mn, ".w"), ".n")
	switch mn {
	case "cbz", "cbnz":
		reg, imm, ok := splitFirst(ops)
		if !ok {
			return b, false
		}
		t, ok := parseImm(imm)
		if !ok {
			return b, false
		}
		b.Zero, b.Reg, b.Target = mn, reg, t
		return b, true
	}
	if !strings.HasPrefix(mn, "b") {
		return b, false
	}
	t, ok := parseImm(ops)
	if !ok {
		return b, false // register forms (bx, blx rN) are location-independent
	}
	b.Target = t
	switch rest := mn[1:]; {
	case rest == "" || conds[rest]:
		b.Cond = rest
	case rest == "l":
		b.Link = true
	case rest == "lx":
		b.Link, b.Exchange = true, true
	case rest[0] == 'l' && conds[rest[1:]]:
		b.Link, b.Cond = true, rest[1:]
	default:
		return b, false
	}
	if b.Cond == "al" {
		b.Cond = ""
	}
	return b, true
}

func parseImm(s string) (Abs, bool) {
	m := reImm.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(m[1], 0, 64)
	if err != nil {
		return 0, false
	}
	return Abs(uint32(v)), true
}

// splitFirst splits the first operand from the rest.
func splitFirst(ops string) (first, rest string, ok bool) {
	i := strings.IndexByte(ops, ',')
	if i < 0 {
		return strings.TrimSpace(ops), "", false
	}
	return strings.TrimSpace(ops[:i]), strings.TrimSpace(ops[i+1:]), true
}

// splitMnemonic separates a width suffix from a mnemonic.
func splitMnemonic(mn string) (base, suffix string) {
	if i := strings.IndexByte(mn, '.'); i >= 0 {
		return mn[:i], mn[i:]
	}
	return mn, ""
}

var (
	reLowReg   = regexp.MustCompile(`\br([0-7])\b`)
	reRegRange = regexp.MustCompile(`\br([0-9]+)\s*-\s*r([0-9]+)\b`)
)

// scratchReg returns the lowest of r0-r7 not mentioned in ops, including
// registers inside a range like {r0-r3}.
func scratchReg(ops string) string {
	var used [8]bool
	for _, m := range reLowReg.FindAllStringSubmatch(ops, -1) {
		n, _ := strconv.Atoi(m[1])
		used[n] = true
	}
	for _, m := range reRegRange.FindAllStringSubmatch(ops, -1) {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		for n := a; n <= b && n < 8; n++ {
			used[n] = true
		}
	}
	for n, u := range used {
		if !u {
			return "r" + strconv.Itoa(n)
		}
	}
	return ""
}

// itLength returns the number of instructions covered by an it instruction,
// or zero if mn is not one.
func itLength(mn string) int {
	mn = strings.ToLower(mn)
	if !strings.HasPrefix(mn, "it") || len(mn) > 5 {
		return 0
	}
	for _, c := range mn[2:] {
		if c != 't' && c != 'e' {
			return 0
		}
	}
	return len(mn) - 1
}

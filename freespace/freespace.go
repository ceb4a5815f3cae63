// Package freespace finds runs of zero bytes in an image which can be used as
// scratch space for trampolines.
package freespace

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pgaskin/armhook/patchlib"
)

// Run is a run of zero bytes.
type Run struct {
	Addr patchlib.Addr
	Size int
}

// End returns the address just past the run.
func (r Run) End() patchlib.Addr {
	return r.Addr + patchlib.Addr(r.Size)
}

func (r Run) String() string {
	return fmt.Sprintf("%s-%s (0x%X bytes)", r.Addr, r.End(), r.Size)
}

// FindRuns returns the runs of at least min zero bytes in buf, with their
// start aligned up and their size truncated to align, which must be a power
// of two. Larger runs come first, and runs of equal size stay in address
// order.
func FindRuns(buf []byte, min, align int) []Run {
	if align <= 0 || align&(align-1) != 0 {
		panic("freespace: align must be a power of two")
	}
	if min < 1 {
		min = 1
	}
	var runs []Run
	for i := 0; i < len(buf); {
		if buf[i] != 0 {
			i++
			continue
		}
		j := i
		for j < len(buf) && buf[j] == 0 {
			j++
		}
		if j-i >= min {
			pos := (i + align - 1) &^ (align - 1)
			if size := (j - pos) &^ (align - 1); size > 0 {
				runs = append(runs, Run{patchlib.Addr(pos), size})
			}
		}
		i = j
	}
	sort.SliceStable(runs, func(a, b int) bool {
		return runs[a].Size > runs[b].Size
	})
	return runs
}

// ErrExhausted is returned when no run has space left.
var ErrExhausted = errors.New("free space exhausted")

// Allocator hands out scratch space from a list of runs with a single cursor
// which only moves forward.
type Allocator struct {
	runs []Run
	i    int
	cur  patchlib.Addr
}

// NewAllocator returns an Allocator which uses runs in order.
func NewAllocator(runs []Run) *Allocator {
	a := &Allocator{runs: runs}
	if len(runs) != 0 {
		a.cur = runs[0].Addr
	}
	return a
}

// Cursor returns the current scratch address and the end of the run it is in.
func (a *Allocator) Cursor() (at, limit patchlib.Addr, err error) {
	if a.i >= len(a.runs) {
		return 0, 0, ErrExhausted
	}
	return a.cur, a.runs[a.i].End(), nil
}

// Advance moves the cursor to next, usually Trampoline.Next. The cursor moves
// to the next run once the current one is used up.
func (a *Allocator) Advance(next patchlib.Addr) error {
	if a.i >= len(a.runs) {
		return ErrExhausted
	}
	r := a.runs[a.i]
	if next < a.cur || next > r.End() {
		return fmt.Errorf("freespace: cannot advance cursor from %s to %s in run %s", a.cur, next, r)
	}
	a.cur = next
	if a.cur == r.End() {
		a.Skip()
	}
	return nil
}

// Skip abandons the rest of the current run, and returns false if there are
// no runs left.
func (a *Allocator) Skip() bool {
	a.i++
	if a.i >= len(a.runs) {
		return false
	}
	a.cur = a.runs[a.i].Addr
	return true
}

// Remaining returns the number of bytes left in the current run.
func (a *Allocator) Remaining() int {
	if a.i >= len(a.runs) {
		return 0
	}
	return int(a.runs[a.i].End() - a.cur)
}

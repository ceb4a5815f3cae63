package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pgaskin/armhook/elfobj"
	"github.com/pgaskin/armhook/freespace"
	"github.com/pgaskin/armhook/patchfile"
	"github.com/pgaskin/armhook/patchlib"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// addrValue is a pflag.Value for addresses, which accepts any integer
// syntax understood by strconv.ParseUint.
type addrValue uint32

var _ pflag.Value = (*addrValue)(nil)

func (a *addrValue) String() string {
	return fmt.Sprintf("%#x", uint32(*a))
}

func (a *addrValue) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid address %#v", s)
	}
	*a = addrValue(v)
	return nil
}

func (a *addrValue) Type() string {
	return "addr"
}

// flexAddr parses an address given on the command line. Numbers are image
// offsets, "@" followed by a number is an absolute address, "plt:" followed
// by a name is a PLT entry, and anything else is a symbol.
func flexAddr(s string) (patchfile.FlexAddr, error) {
	var fa patchfile.FlexAddr
	switch {
	case s == "":
		return fa, errors.New("empty address")
	case s[0] == '@':
		v, err := strconv.ParseUint(s[1:], 0, 32)
		if err != nil {
			return fa, errors.Errorf("invalid absolute address %#v", s)
		}
		abs := int64(v)
		fa.Abs = &abs
	case len(s) > 4 && s[:4] == "plt:":
		name := s[4:]
		fa.SymPLT = &name
	default:
		if v, err := strconv.ParseInt(s, 0, 64); err == nil {
			fa.Offset = &v
		} else {
			fa.Sym = &s
		}
	}
	return fa, nil
}

// imageFlags are the flags for commands which patch a single image.
type imageFlags struct {
	In      string
	Out     string
	Mode    string
	Base    addrValue
	Objects []string
}

func (f *imageFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.In, "input", "i", "", "input image (required)")
	fs.StringVarP(&f.Out, "output", "o", "", "output image (default: overwrite the input)")
	fs.StringVarP(&f.Mode, "mode", "m", "arm", "instruction set mode (arm, thumb2, or thumb)")
	fs.VarP(&f.Base, "base", "b", "address the image is loaded at")
	fs.StringSliceVarP(&f.Objects, "object", "O", nil, "ELF object to resolve symbols from (repeatable)")
}

// open reads the image and returns an Env for it. The returned function
// writes the output and closes the objects.
func (f *imageFlags) open() (*patchfile.Env, func(bool) error, error) {
	if f.In == "" {
		return nil, nil, errors.New("no input specified")
	}
	mode, err := patchlib.ParseMode(f.Mode)
	if err != nil {
		return nil, nil, err
	}
	buf, err := readInput(f.In)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not read input")
	}
	p, done, err := newPatcher(buf, uint32(f.Base), mode)
	if err != nil {
		return nil, nil, err
	}
	pe := &patchfile.Env{Patcher: p}

	var objs []*elfobj.File
	closeAll := func() {
		for _, o := range objs {
			o.Close()
		}
		done()
	}
	for _, fn := range f.Objects {
		o, err := elfobj.Open(fn)
		if err != nil {
			closeAll()
			return nil, nil, errors.Wrapf(err, "could not open object %#v", fn)
		}
		objs = append(objs, o)
		pe.Objects = append(pe.Objects, o)
	}

	return pe, func(write bool) error {
		defer closeAll()
		if !write {
			return nil
		}
		out := f.Out
		if out == "" {
			out = f.In
		}
		if err := os.WriteFile(out, p.Image().Bytes(), 0644); err != nil {
			return errors.Wrap(err, "could not write output")
		}
		infof("wrote %s", out)
		return nil
	}, nil
}

var hookFlags struct {
	imageFlags
	Target   string
	Scratch  string
	Code     string
	CodeFile string
	CodeSym  string
	Function bool
	Min      int
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Install a single hook",
	Long:  "Hook diverts execution at --target into the given code, placing the trampoline at --scratch or in the largest run of free space.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		f := &hookFlags
		target, err := flexAddr(f.Target)
		if err != nil {
			return errors.Wrap(err, "target")
		}
		h := &patchfile.Hook{Target: target}
		if f.Scratch != "" {
			scratch, err := flexAddr(f.Scratch)
			if err != nil {
				return errors.Wrap(err, "scratch")
			}
			h.Scratch = &scratch
		}
		if f.Code != "" {
			h.CodeH = &f.Code
		}
		if f.CodeFile != "" {
			h.CodeFile = &f.CodeFile
		}
		if f.CodeSym != "" {
			h.CodeSym = &f.CodeSym
		}

		pe, done, err := f.open()
		if err != nil {
			return err
		}
		defer func() {
			if cerr := done(err == nil); err == nil {
				err = cerr
			}
		}()
		if h.Scratch == nil {
			img := pe.Patcher.Image()
			pe.Space = freespace.NewAllocator(freespace.FindRuns(img.Bytes(), f.Min, defaultAlign))
		}

		var a patchfile.Applier = h
		if f.Function {
			a = (*patchfile.FunctionHook)(h)
		}
		if err := patchfile.Apply(pe, a); err != nil {
			return errors.Wrap(err, "could not install hook")
		}
		return nil
	},
}

var patchFlags struct {
	imageFlags
	At  string
	Asm string
	NOP int
}

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Assemble instructions over an address",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		f := &patchFlags
		at, err := flexAddr(f.At)
		if err != nil {
			return errors.Wrap(err, "at")
		}
		var a patchfile.Applier
		switch {
		case f.Asm != "" && f.NOP != 0:
			return errors.New("only one of --asm and --nop can be specified")
		case f.Asm != "":
			a = &patchfile.Patch{At: at, Asm: f.Asm}
		case f.NOP > 0:
			a = &patchfile.NOP{At: at, Count: f.NOP}
		default:
			return errors.New("one of --asm or --nop must be specified")
		}

		pe, done, err := f.open()
		if err != nil {
			return err
		}
		defer func() {
			if cerr := done(err == nil); err == nil {
				err = cerr
			}
		}()
		if err := patchfile.Apply(pe, a); err != nil {
			return errors.Wrap(err, "could not patch")
		}
		return nil
	},
}

func init() {
	hookFlags.register(hookCmd.Flags())
	hookCmd.Flags().StringVarP(&hookFlags.Target, "target", "t", "", "address to hook (offset, @absolute, plt:name, or symbol)")
	hookCmd.Flags().StringVarP(&hookFlags.Scratch, "scratch", "s", "", "address to put the trampoline at (default: find free space)")
	hookCmd.Flags().StringVarP(&hookFlags.Code, "code", "c", "", "hook code as hex")
	hookCmd.Flags().StringVar(&hookFlags.CodeFile, "code-file", "", "file containing the hook code")
	hookCmd.Flags().StringVar(&hookFlags.CodeSym, "code-sym", "", "symbol in an object to copy the hook code from")
	hookCmd.Flags().BoolVarP(&hookFlags.Function, "function", "f", false, "skip the original instructions if the hook returns non-zero")
	hookCmd.Flags().IntVar(&hookFlags.Min, "min", defaultMin, "minimum size of free space runs")
	hookCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(hookCmd)

	patchFlags.register(patchCmd.Flags())
	patchCmd.Flags().StringVarP(&patchFlags.At, "at", "a", "", "address to patch (offset, @absolute, plt:name, or symbol)")
	patchCmd.Flags().StringVar(&patchFlags.Asm, "asm", "", "instructions to assemble, separated by semicolons")
	patchCmd.Flags().IntVar(&patchFlags.NOP, "nop", 0, "number of instructions to replace with nops")
	patchCmd.MarkFlagRequired("at")
	rootCmd.AddCommand(patchCmd)
}

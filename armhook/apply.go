package main

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pgaskin/armhook/elfobj"
	"github.com/pgaskin/armhook/engine"
	"github.com/pgaskin/armhook/freespace"
	"github.com/pgaskin/armhook/patchfile"
	"github.com/pgaskin/armhook/patchlib"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
)

var disasm string

var applyCmd = &cobra.Command{
	Use:   "apply [config]",
	Short: "Apply the patch files listed in a config",
	Long:  "Apply reads armhook.yaml (or the file named by ARMHOOK_CONFIG), applies each patch file to the input image in order, and writes the result.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := env.Str("ARMHOOK_CONFIG", "armhook.yaml")
		if len(args) == 1 {
			path = args[0]
		}
		return runApply(path)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&disasm, "disasm", "capstone", "disassembler to use (capstone, or armasm for arm mode)")
	rootCmd.AddCommand(applyCmd)
}

// newServices returns the assembler and disassembler for a mode, and a
// function which closes them.
var newServices = func(mode patchlib.Mode, disasm string) (patchlib.Assembler, patchlib.Disassembler, func(), error) {
	switch disasm {
	case "", "capstone":
		ks, cs, err := engine.New(mode)
		if err != nil {
			return nil, nil, nil, err
		}
		return ks, cs, func() {
			ks.Close()
			cs.Close()
		}, nil
	case "armasm":
		arm, err := engine.NewARM(mode)
		if err != nil {
			return nil, nil, nil, err
		}
		ks, err := engine.NewKeystone(mode)
		if err != nil {
			return nil, nil, nil, err
		}
		return ks, arm, func() { ks.Close() }, nil
	}
	return nil, nil, nil, errors.Errorf("unknown disassembler %#v", disasm)
}

// newPatcher returns a patcher for an image loaded at base, and a function
// which releases the assembler and disassembler.
func newPatcher(buf []byte, base uint32, mode patchlib.Mode) (*patchlib.Patcher, func(), error) {
	if base%4 != 0 {
		return nil, nil, errors.Errorf("base %#x is not 4-byte aligned", base)
	}
	asm, dis, done, err := newServices(mode, disasm)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not start assembler")
	}
	img := patchlib.NewImage(buf, patchlib.Abs(base))
	img.Hook(func(at patchlib.Addr, old, new []byte) error {
		patchfile.Log("write %s: % X -> % X", at, old, new)
		return nil
	})
	p, err := patchlib.NewPatcher(img, mode, asm, dis)
	if err != nil {
		done()
		return nil, nil, err
	}
	return p, done, nil
}

func runApply(path string) (err error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	if cfg.Log != "" {
		if err := openLogFile(cfg.path(cfg.Log)); err != nil {
			return err
		}
		defer func() { closeLogFile(err) }()
	}

	infof("armhook %s", version)
	if cfg.Version != "" {
		infof("config version: %s", cfg.Version)
	}

	infof("reading input %s", cfg.In)
	buf, err := readInput(cfg.path(cfg.In))
	if err != nil {
		return errors.Wrap(err, "could not read input")
	}

	mode, err := patchlib.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	p, done, err := newPatcher(buf, cfg.Base, mode)
	if err != nil {
		return err
	}
	defer done()

	pe := &patchfile.Env{
		Patcher:   p,
		KeepGoing: cfg.KeepGoing,
	}
	if len(cfg.Symbols) != 0 {
		pe.Objects = append(pe.Objects, symbolMap(cfg.Symbols))
	}
	for _, o := range cfg.Objects {
		infof("loading symbols from %s", o)
		f, err := elfobj.Open(cfg.path(o))
		if err != nil {
			return errors.Wrapf(err, "could not open object %#v", o)
		}
		defer f.Close()
		pe.Objects = append(pe.Objects, f)
	}
	if cfg.Space != nil {
		runs, err := cfg.Space.findSpace(p.Image())
		if err != nil {
			return err
		}
		infof("found %d free space runs", len(runs))
		for _, r := range runs {
			patchfile.Log("  %s", r)
		}
		pe.Space = freespace.NewAllocator(runs)
	}

	var skipped []*patchfile.RecordError
	for _, pf := range cfg.Patches {
		fn := cfg.path(pf)
		ps, err := patchfile.ReadFromFile(fn)
		if err != nil {
			return err
		}

		overrides := cfg.Overrides[pf]
		names := make([]string, 0, len(overrides))
		for name := range overrides {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			patchfile.Log("override %s: %#v = %t", pf, name, overrides[name])
			if err := ps.SetEnabled(name, overrides[name]); err != nil {
				return errors.Wrapf(err, "could not apply overrides for %s", pf)
			}
		}

		infof("applying %s", pf)
		pe.Dir = filepath.Dir(fn)
		s, err := ps.ApplyTo(pe)
		skipped = append(skipped, s...)
		if err != nil {
			return errors.Wrapf(err, "could not apply %s", pf)
		}
	}

	for _, s := range skipped {
		logOut.Warnf("skipped %v", s)
		if logFile != nil {
			logFile.Warnf("skipped %v", s)
		}
	}

	infof("writing output %s", cfg.Out)
	if err := os.WriteFile(cfg.path(cfg.Out), p.Image().Bytes(), 0644); err != nil {
		return errors.Wrap(err, "could not write output")
	}
	infof("successfully applied %d patch files", len(cfg.Patches))
	return nil
}

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pgaskin/armhook/elfobj"
	"github.com/pgaskin/armhook/freespace"
	"github.com/pgaskin/armhook/patchlib"
	"github.com/pkg/errors"
	"github.com/xi2/xz"
	"gopkg.in/yaml.v3"
)

// config is an armhook.yaml file. Relative paths are relative to the
// directory containing it.
type config struct {
	Version string `yaml:"version" json:"version"`
	In      string `yaml:"in" json:"in" jsonschema:"description=input image (decompressed if it ends in .xz)"`
	Out     string `yaml:"out" json:"out"`
	Log     string `yaml:"log,omitempty" json:"log,omitempty" jsonschema:"description=file to write a debug log to"`

	Mode string `yaml:"mode" json:"mode" jsonschema:"enum=arm,enum=thumb2,enum=thumb"`
	Base uint32 `yaml:"base" json:"base" jsonschema:"description=address the first byte of the image is loaded at"`

	Objects []string          `yaml:"objects,omitempty" json:"objects,omitempty" jsonschema:"description=ELF objects to resolve symbols from, in order"`
	Symbols map[string]uint32 `yaml:"symbols,omitempty" json:"symbols,omitempty" jsonschema:"description=extra symbol addresses searched before the objects"`
	Space   *spaceConfig      `yaml:"space,omitempty" json:"space,omitempty"`

	Patches   []string                   `yaml:"patches" json:"patches" jsonschema:"description=patch files, applied in order"`
	Overrides map[string]map[string]bool `yaml:"overrides,omitempty" json:"overrides,omitempty" jsonschema:"description=patch file to patch name to enabled state"`
	KeepGoing bool                       `yaml:"keepGoing,omitempty" json:"keepGoing,omitempty" jsonschema:"description=skip records with missing symbols instead of failing"`

	dir string
}

// spaceConfig is where scratch space for hooks comes from. If Runs is set,
// the image is not scanned.
type spaceConfig struct {
	From  uint32      `yaml:"from,omitempty" json:"from,omitempty" jsonschema:"description=image offset to start scanning at"`
	To    uint32      `yaml:"to,omitempty" json:"to,omitempty" jsonschema:"description=image offset to stop scanning at (default: end)"`
	Min   int         `yaml:"min,omitempty" json:"min,omitempty" jsonschema:"description=minimum run length (default: 64)"`
	Align int         `yaml:"align,omitempty" json:"align,omitempty" jsonschema:"description=run alignment (default: 16)"`
	Runs  []runConfig `yaml:"runs,omitempty" json:"runs,omitempty"`
}

type runConfig struct {
	At   uint32 `yaml:"at" json:"at"`
	Size int    `yaml:"size" json:"size"`
}

const (
	defaultMin   = 64
	defaultAlign = 16
)

// parseConfig strictly decodes a config.
func parseConfig(buf []byte) (*config, error) {
	var n yaml.Node
	if err := yaml.Unmarshal(buf, &n); err != nil {
		return nil, err
	}
	cfg := &config{}
	if n.Kind == 0 {
		return nil, errors.New("empty config")
	}
	if err := n.DecodeStrict(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func (c *config) validate() error {
	switch {
	case c.In == "":
		return errors.New("no input file (in) specified")
	case c.Out == "":
		return errors.New("no output file (out) specified")
	case c.Mode == "":
		return errors.New("no mode specified")
	case len(c.Patches) == 0:
		return errors.New("no patch files specified")
	}
	if _, err := patchlib.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.Base%4 != 0 {
		return errors.Errorf("base %#x is not 4-byte aligned", c.Base)
	}
	for pf := range c.Overrides {
		var found bool
		for _, p := range c.Patches {
			if p == pf {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("overrides for %#v, which is not in patches", pf)
		}
	}
	if s := c.Space; s != nil {
		if s.Align != 0 && s.Align&(s.Align-1) != 0 {
			return errors.Errorf("space: align %d is not a power of two", s.Align)
		}
		if s.To != 0 && s.To < s.From {
			return errors.Errorf("space: to %#x is before from %#x", s.To, s.From)
		}
	}
	return nil
}

// loadConfig reads a config from a file.
func loadConfig(path string) (*config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read config file")
	}
	cfg, err := parseConfig(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse config file %#v", filepath.Base(path))
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// path resolves a path relative to the config.
func (c *config) path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// readInput reads an image, decompressing it if the name ends with .xz.
func readInput(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if !strings.HasSuffix(path, ".xz") {
		return io.ReadAll(f)
	}
	zr, err := xz.NewReader(f, xz.DefaultDictMax)
	if err != nil {
		return nil, fmt.Errorf("open xz stream: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, fmt.Errorf("decompress xz stream: %w", err)
	}
	return buf.Bytes(), nil
}

// findSpace returns the scratch space runs for an image.
func (s *spaceConfig) findSpace(img *patchlib.Image) ([]freespace.Run, error) {
	if len(s.Runs) != 0 {
		runs := make([]freespace.Run, len(s.Runs))
		for i, r := range s.Runs {
			if r.Size <= 0 || int(r.At)+r.Size > img.Len() {
				return nil, errors.Errorf("space: run %d (%#x, %d bytes) is outside the image", i+1, r.At, r.Size)
			}
			b, _ := img.Read(patchlib.Addr(r.At), r.Size)
			if !bytes.Equal(b, make([]byte, r.Size)) {
				return nil, errors.Errorf("space: run %d (%#x, %d bytes) is not empty", i+1, r.At, r.Size)
			}
			runs[i] = freespace.Run{Addr: patchlib.Addr(r.At), Size: r.Size}
		}
		return runs, nil
	}

	from, to := int(s.From), int(s.To)
	if to == 0 || to > img.Len() {
		to = img.Len()
	}
	if from > to {
		return nil, errors.Errorf("space: from %#x is past the end of the image", from)
	}
	min, align := s.Min, s.Align
	if min == 0 {
		min = defaultMin
	}
	if align == 0 {
		align = defaultAlign
	}
	// align is relative to the window, so it has to start aligned
	start := from &^ (align - 1)
	runs := freespace.FindRuns(img.Bytes()[start:to], min, align)
	for i := range runs {
		runs[i].Addr += patchlib.Addr(start)
	}
	// trim runs which start before from
	filtered := runs[:0]
	for _, r := range runs {
		if int(r.Addr) < from {
			skip := patchlib.AlignUp(patchlib.Addr(from), uint32(align)) - r.Addr
			if int(skip) >= r.Size {
				continue
			}
			r.Addr += skip
			r.Size -= int(skip)
		}
		filtered = append(filtered, r)
	}
	sort.SliceStable(filtered, func(a, b int) bool {
		return filtered[a].Size > filtered[b].Size
	})
	return filtered, nil
}

// symbolMap is a set of symbols from the config.
type symbolMap map[string]uint32

func (m symbolMap) Address(name string) (uint32, error) {
	if v, ok := m[name]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: %#v", elfobj.ErrSymbolNotFound, name)
}

func (m symbolMap) PLT(name string) (uint32, error) {
	return 0, fmt.Errorf("%w: %#v (no plt entries in config symbols)", elfobj.ErrSymbolNotFound, name)
}

func (m symbolMap) Opcodes(name string) ([]byte, error) {
	return nil, fmt.Errorf("%w: %#v (no code in config symbols)", elfobj.ErrSymbolNotFound, name)
}

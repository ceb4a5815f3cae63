// Package patchfile reads and applies patch files, which are YAML mappings of
// patch names to lists of records.
package patchfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pgaskin/armhook/elfobj"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// PatchSet is a set of named patches, in the order they appear in the file.
type PatchSet struct {
	Patches []*NamedPatch
}

// NamedPatch is a named list of records.
type NamedPatch struct {
	Name    string
	Line    int
	Records []*Record
	Lines   []int // of each record
}

// Enabled returns the value of the patch's Enabled record.
func (p *NamedPatch) Enabled() bool {
	for _, r := range p.Records {
		if r.Enabled != nil {
			return bool(*r.Enabled)
		}
	}
	return false
}

// RecordError is returned when a record could not be applied.
type RecordError struct {
	Patch string
	Index int // of the record in the patch
	Line  int
	Kind  string
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("patch %#v: record %d (%s, line %d): %v", e.Patch, e.Index+1, e.Kind, e.Line, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// Parse parses a PatchSet from a buf.
func Parse(buf []byte) (*PatchSet, error) {
	Log("parsing patch file")

	var root yaml.Node
	if err := yaml.Unmarshal(buf, &root); err != nil {
		return nil, errors.Wrap(err, "error parsing patch file")
	}

	ps := &PatchSet{}
	if root.Kind == 0 || len(root.Content) == 0 {
		return ps, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, errors.Errorf("error parsing patch file: line %d: expected a mapping of patch names to records", doc.Line)
	}

	seen := map[string]int{}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		kn, vn := doc.Content[i], doc.Content[i+1]

		var name string
		if err := kn.DecodeStrict(&name); err != nil {
			return nil, errors.Wrapf(err, "error parsing patch file: line %d: patch name", kn.Line)
		}
		if line, ok := seen[name]; ok {
			return nil, errors.Errorf("error parsing patch file: line %d: duplicate patch %#v (first on line %d)", kn.Line, name, line)
		}
		seen[name] = kn.Line

		var nodes []yaml.Node
		if err := vn.DecodeStrict(&nodes); err != nil {
			return nil, errors.Wrapf(err, "error parsing patch file: patch %#v", name)
		}

		p := &NamedPatch{Name: name, Line: kn.Line}
		for _, n := range nodes {
			var rn RecordNode
			if err := n.DecodeStrict(&rn); err != nil {
				return nil, errors.Wrapf(err, "error parsing patch file: patch %#v: line %d", name, n.Line)
			}
			r, err := rn.ToRecord()
			if err != nil {
				return nil, errors.Wrapf(err, "error parsing patch file: patch %#v", name)
			}
			p.Records = append(p.Records, r)
			p.Lines = append(p.Lines, rn.Line(n.Line))
		}
		Log("  patch %#v: %d records", name, len(p.Records))
		ps.Patches = append(ps.Patches, p)
	}
	return ps, nil
}

// ReadFromFile reads a patchset from a file (but does not validate it).
func ReadFromFile(filename string) (*PatchSet, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open patch file: %w", err)
	}
	ps, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("could not parse patch file %#v: %w", filepath.Base(filename), err)
	}
	return ps, nil
}

// Names returns the names of the patches in order.
func (ps *PatchSet) Names() []string {
	names := make([]string, len(ps.Patches))
	for i, p := range ps.Patches {
		names[i] = p.Name
	}
	return names
}

// Get returns a patch by name.
func (ps *PatchSet) Get(name string) (*NamedPatch, bool) {
	for _, p := range ps.Patches {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Validate validates the PatchSet.
func (ps *PatchSet) Validate() error {
	enabledPatchGroups := map[string]string{}
	for _, p := range ps.Patches {
		var ec, dc, pgc, ac int
		var pg string
		for _, r := range p.Records {
			switch {
			case r.Enabled != nil:
				ec++
			case r.Description != nil:
				dc++
			case r.PatchGroup != nil:
				pgc++
				pg = string(*r.PatchGroup)
			case r.Applier() != nil:
				ac++
			default:
				return errors.Errorf("internal error while validating %#v (you should report this as a bug)", p.Name)
			}
		}
		Log("  %#v: ec:%d, dc:%d, pgc:%d, pg:%#v, ac:%d", p.Name, ec, dc, pgc, pg, ac)
		if ec < 1 {
			return errors.Errorf("no `Enabled` option in %#v", p.Name)
		} else if ec > 1 {
			return errors.Errorf("more than one `Enabled` option in %#v", p.Name)
		}
		if dc > 1 {
			return errors.Errorf("more than one `Description` option in %#v (use comments to describe individual lines)", p.Name)
		}
		if pgc > 1 {
			return errors.Errorf("more than one `PatchGroup` option in %#v", p.Name)
		}
		if ac == 0 {
			return errors.Errorf("no records which modify the image in %#v", p.Name)
		}
		if pg != "" && p.Enabled() {
			if other, ok := enabledPatchGroups[pg]; ok {
				return errors.Errorf("more than one patch enabled in PatchGroup %#v (%#v and %#v)", pg, other, p.Name)
			}
			enabledPatchGroups[pg] = p.Name
		}
	}
	return nil
}

// SetEnabled sets the Enabled state of a patch.
func (ps *PatchSet) SetEnabled(patch string, enabled bool) error {
	p, ok := ps.Get(patch)
	if !ok {
		return errors.Errorf("could not set enabled state of %#v to %t: no such patch", patch, enabled)
	}
	for _, r := range p.Records {
		if r.Enabled != nil {
			e := Enabled(enabled)
			r.Enabled = &e
			return nil
		}
	}
	return errors.Errorf("could not set enabled state of %#v to %t: no Enabled record in patch", patch, enabled)
}

// ApplyTo validates the PatchSet, then applies the enabled patches in order.
// It stops at the first error, which is a *RecordError if a record failed. If
// env.KeepGoing is set, records which failed because of a missing symbol are
// returned in skipped instead.
func (ps *PatchSet) ApplyTo(env *Env) (skipped []*RecordError, err error) {
	Log("validating patch file")
	if err := ps.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid patch file")
	}
	if env == nil || env.Patcher == nil {
		return nil, errors.New("no patcher")
	}

	Log("applying patches")
	for num, p := range ps.Patches {
		if !p.Enabled() {
			Log("[%d/%d] skipping disabled patch %#v", num+1, len(ps.Patches), p.Name)
			continue
		}
		Log("[%d/%d] applying patch %#v", num+1, len(ps.Patches), p.Name)
		for i, r := range p.Records {
			a := r.Applier()
			if a == nil {
				continue
			}
			if err := a.ApplyTo(env, indent); err != nil {
				rerr := &RecordError{
					Patch: p.Name,
					Index: i,
					Line:  p.Lines[i],
					Kind:  r.Kind(),
					Err:   err,
				}
				if env.KeepGoing && errors.Is(err, elfobj.ErrSymbolNotFound) {
					Log("  skipping: %v", rerr)
					skipped = append(skipped, rerr)
					continue
				}
				Log("  could not apply patch: %v", rerr)
				return skipped, rerr
			}
		}
	}
	return skipped, nil
}

// Apply is a convenience function which applies a single record.
func Apply(env *Env, a Applier) error {
	return a.ApplyTo(env, indent)
}

func indent(format string, a ...interface{}) {
	Log("  "+format, a...)
}

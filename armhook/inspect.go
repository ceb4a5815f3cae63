package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/pgaskin/armhook/elfobj"
	"github.com/pgaskin/armhook/freespace"
	"github.com/pgaskin/armhook/patchfile"
	"github.com/pgaskin/armhook/patchlib"
	"github.com/spf13/cobra"
)

var spaceFlags struct {
	Base  addrValue
	Min   int
	Align int
	Limit int
}

var spaceCmd = &cobra.Command{
	Use:   "space IMAGE",
	Short: "List runs of free space in an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		buf, err := readInput(args[0])
		if err != nil {
			return fmt.Errorf("could not read input: %w", err)
		}
		if spaceFlags.Align <= 0 || spaceFlags.Align&(spaceFlags.Align-1) != 0 {
			return fmt.Errorf("align %d is not a power of two", spaceFlags.Align)
		}
		img := patchlib.NewImage(buf, patchlib.Abs(spaceFlags.Base))
		runs := freespace.FindRuns(img.Bytes(), spaceFlags.Min, spaceFlags.Align)
		if spaceFlags.Limit > 0 && len(runs) > spaceFlags.Limit {
			runs = runs[:spaceFlags.Limit]
		}
		writeRuns(cmd.OutOrStdout(), img, runs)
		return nil
	},
}

func writeRuns(w io.Writer, img *patchlib.Image, runs []freespace.Run) {
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %s-%s  0x%X\n", r.Addr, img.Abs(r.Addr), img.Abs(r.End()), r.Size)
	}
}

var symsFlags struct {
	Output string
	PLT    bool
}

var symsCmd = &cobra.Command{
	Use:   "syms OBJECT",
	Short: "Dump the symbols of an ELF object as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := elfobj.Open(args[0])
		if err != nil {
			return err
		}
		defer o.Close()

		var w io.Writer = cmd.OutOrStdout()
		if symsFlags.Output != "" && symsFlags.Output != "-" {
			f, err := os.Create(symsFlags.Output)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return writeSyms(w, o.Symbols(), symsFlags.PLT)
	},
}

// writeSyms writes one symbol per line in a JSON array.
func writeSyms(w io.Writer, syms []*elfobj.Symbol, pltOnly bool) error {
	fmt.Fprintf(w, "[\n")
	var n int
	for _, s := range syms {
		if pltOnly && s.PLT == 0 {
			continue
		}
		if n != 0 {
			fmt.Fprintf(w, ",\n")
		}
		buf, err := json.Marshal(s)
		if err != nil {
			return err
		}
		w.Write(buf)
		n++
	}
	_, err := fmt.Fprintf(w, "\n]\n")
	return err
}

// patchFileSchema is the structure of a patch file.
type patchFileSchema map[string][]patchfile.Record

var schemaCmd = &cobra.Command{
	Use:       "schema [config|patch]",
	Short:     "Generate the JSON schema for configs or patch files",
	Hidden:    true,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"config", "patch"},
	RunE: func(cmd *cobra.Command, args []string) error {
		which := "config"
		if len(args) == 1 {
			which = args[0]
		}
		bts, err := schema(which)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(bts))
		return nil
	},
}

func schema(which string) ([]byte, error) {
	var s *jsonschema.Schema
	switch which {
	case "config":
		s = new(jsonschema.Reflector).Reflect(&config{})
	case "patch":
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
		}
		s = r.Reflect(patchFileSchema{})
	default:
		return nil, fmt.Errorf("unknown schema %#v", which)
	}
	bts, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return bts, nil
}

func init() {
	spaceCmd.Flags().VarP(&spaceFlags.Base, "base", "b", "address the image is loaded at")
	spaceCmd.Flags().IntVar(&spaceFlags.Min, "min", defaultMin, "minimum run size")
	spaceCmd.Flags().IntVar(&spaceFlags.Align, "align", defaultAlign, "run alignment")
	spaceCmd.Flags().IntVarP(&spaceFlags.Limit, "limit", "n", 0, "only list the largest n runs")
	rootCmd.AddCommand(spaceCmd)

	symsCmd.Flags().StringVarP(&symsFlags.Output, "output", "o", "", "file to write to (default: stdout)")
	symsCmd.Flags().BoolVar(&symsFlags.PLT, "plt", false, "only dump symbols with a PLT entry")
	rootCmd.AddCommand(symsCmd)

	rootCmd.AddCommand(schemaCmd)
}

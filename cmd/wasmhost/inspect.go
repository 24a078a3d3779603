package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/manifest"
	"github.com/wippyai/wasm-host/memory"
	"github.com/wippyai/wasm-host/runtime"
)

func newInspectCmd() *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "inspect <module.wasm|manifest.yaml>",
		Short: "Show a module's imports, exports and memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f pluginFlags
			m, err := f.resolveManifest(args[0])
			if err != nil {
				return err
			}
			wasm, err := m.Module()
			if err != nil {
				return err
			}
			if err := manifest.Verify(wasm, m.Wasm.Hash); err != nil {
				return err
			}
			info, err := engine.Inspect(cmd.Context(), wasm)
			if err != nil {
				return err
			}
			style := table.StyleColoredBright
			if plain {
				style = table.StyleLight
			}
			printModule(cmd.OutOrStdout(), m.PluginName(), manifest.Digest(wasm), info, style)
			return nil
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "render tables without colors")
	return cmd
}

func printModule(w io.Writer, name, digest string, info engine.ModuleInfo, style table.Style) {
	fmt.Fprintf(w, "Module: %s\nSHA-256: %s\n", name, digest)

	mem := "not exported"
	if info.MemoryExported {
		max := "unbounded"
		if info.HasMemoryMax {
			max = strconv.FormatUint(uint64(info.MemoryMax), 10)
		}
		mem = fmt.Sprintf("min %d pages, max %s", info.MemoryMin, max)
	}
	fmt.Fprintf(w, "Memory: %s\n\n", mem)

	if len(info.Imports) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(style)
		t.SetTitle("Imports")
		t.AppendHeader(table.Row{"Namespace", "Name", "Signature", "Provider"})
		for _, imp := range info.Imports {
			t.AppendRow(table.Row{imp.Module, imp.Name, imp.Signature(), importProvider(imp.Module)})
		}
		t.Render()
		fmt.Fprintln(w)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(style)
	t.SetTitle("Exports")
	t.AppendHeader(table.Row{"Name", "Signature", "Callable"})
	for _, exp := range info.Exports {
		callable := "yes"
		if _, err := memory.ConventionOf(exp.Params, exp.Results); err != nil {
			callable = "no"
		}
		t.AppendRow(table.Row{exp.Name, exp.Signature(), callable})
	}
	t.Render()
}

func importProvider(namespace string) string {
	switch namespace {
	case runtime.BuiltinNamespace:
		return "builtin"
	case engine.WASIModule:
		return "wasi"
	}
	return "host"
}

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/wasm-host/runtime"
)

type callOptions struct {
	plugin    pluginFlags
	inputFile string
	hexOut    bool
	stdin     io.Reader
	stdinTTY  bool
	stdout    io.Writer
	stdoutTTY bool
}

func newCallCmd() *cobra.Command {
	opts := &callOptions{}

	cmd := &cobra.Command{
		Use:   "call <module.wasm|manifest.yaml> <export> [input]",
		Short: "Call a plugin export once",
		Long: "Call a plugin export with input taken from the argument, --input-file or\n" +
			"stdin when it is not a terminal. Output is written to stdout as is.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.stdin = cmd.InOrStdin()
			opts.stdout = cmd.OutOrStdout()
			opts.stdinTTY = isTerminal(opts.stdin)
			opts.stdoutTTY = isTerminal(opts.stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runCall(ctx, opts, args)
		},
	}

	opts.plugin.register(cmd.Flags())
	cmd.Flags().StringVarP(&opts.inputFile, "input-file", "f", "", "read input from a file")
	cmd.Flags().BoolVar(&opts.hexOut, "hex", false, "print output as hex")
	return cmd
}

// isTerminal reports whether v is a file attached to a terminal. Readers and
// writers that are not files never are.
func isTerminal(v any) bool {
	f, ok := v.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

func runCall(ctx context.Context, opts *callOptions, args []string) error {
	input, err := opts.readInput(args)
	if err != nil {
		return err
	}

	hc := runtime.Open(runtime.WithStdout(os.Stdout), runtime.WithStderr(os.Stderr))
	defer hc.Close(context.Background())

	p, err := loadPlugin(ctx, hc, args[0], &opts.plugin)
	if err != nil {
		return err
	}

	out, err := p.Call(ctx, args[1], input)
	if err != nil {
		return err
	}

	if opts.hexOut {
		out = []byte(hex.EncodeToString(out))
	}
	if _, err := opts.stdout.Write(out); err != nil {
		return err
	}
	if opts.stdoutTTY && len(out) > 0 && out[len(out)-1] != '\n' {
		fmt.Fprintln(opts.stdout)
	}
	return nil
}

func (o *callOptions) readInput(args []string) ([]byte, error) {
	switch {
	case len(args) > 2:
		return []byte(args[2]), nil
	case o.inputFile == "-":
		return io.ReadAll(o.stdin)
	case o.inputFile != "":
		return os.ReadFile(o.inputFile)
	case !o.stdinTTY && o.stdin != nil:
		return io.ReadAll(o.stdin)
	}
	return nil, nil
}

package main

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"

	wasmhost "github.com/wippyai/wasm-host"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wasmhost %s (%s, %s/%s)\n",
				wasmhost.Version, goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
		},
	}
}

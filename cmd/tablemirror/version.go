package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/tablemirror/pkg/registry"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tablemirror v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)

			sources, stores, warehouses := registry.Global().Names()
			fmt.Printf("Sources: %s\n", strings.Join(sources, ", "))
			fmt.Printf("Object stores: %s\n", strings.Join(stores, ", "))
			fmt.Printf("Warehouses: %s\n", strings.Join(warehouses, ", "))
		},
	}
}

// Command utpd runs the uTP mesh daemon: it wires an engine to a
// datagram carrier, a peer directory, a completed-stream ledger, a
// stats push server, and an optional TUN bridge, all from one YAML
// config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "utpd",
		Short: "uTP mesh daemon and companion tools",
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newSendCommand())
	root.AddCommand(newStatsCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

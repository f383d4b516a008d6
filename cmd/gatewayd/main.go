package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "nova gateway - FaaS invocation gateway",
		Long:  "Routes external HTTP and gRPC calls to connected function workers over a UNIX-domain IPC protocol.",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

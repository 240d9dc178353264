package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "orion-node",
		Short: "Orion node",
		Long:  "Privacy node that encrypts, stores and propagates payloads between parties",
	}

	rootCmd.AddCommand(NewStartCmd())
	rootCmd.AddCommand(NewGenerateKeysCmd())
	rootCmd.AddCommand(NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

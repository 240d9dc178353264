package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fystack/orion/pkg/client"
)

const (
	VERSION        = "0.1.0"
	defaultURL     = "http://localhost:8888"
	defaultTimeout = 30 * time.Second
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:           "orion-cli",
		Short:         "Orion CLI",
		Long:          "Client for the Orion private payload API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// ORION_URL and ORION_TIMEOUT override the defaults
	v := viper.New()
	v.SetEnvPrefix("orion")
	v.AutomaticEnv()
	v.SetDefault("url", defaultURL)
	v.SetDefault("timeout", defaultTimeout)

	rootCmd.PersistentFlags().String("url", "", "Client API base URL")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Request timeout")
	_ = v.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
	_ = v.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))

	newClient := func() (*client.Client, error) {
		return client.New(client.Options{
			BaseURL:    v.GetString("url"),
			HTTPClient: newHTTPClient(v.GetDuration("timeout")),
		})
	}

	rootCmd.AddCommand(newSendCmd(newClient))
	rootCmd.AddCommand(newReceiveCmd(newClient))
	rootCmd.AddCommand(newUpcheckCmd(newClient))
	rootCmd.AddCommand(newPublicKeysCmd(newClient))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "orion-cli version %s\n", VERSION)
		},
	})
	return rootCmd
}

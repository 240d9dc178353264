package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fystack/orion/pkg/client"
	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/encryption"
)

type clientFactory func() (*client.Client, error)

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func newSendCmd(newClient clientFactory) *cobra.Command {
	var (
		from  string
		to    []string
		file  string
		isB64 bool
	)
	cmd := &cobra.Command{
		Use:   "send [payload]",
		Short: "Encrypt and distribute a payload, printing its key",
		Long:  "Send a payload to the given recipients. The payload is read from the argument, --file, or stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}
			if isB64 {
				if payload, err = base64.StdEncoding.DecodeString(string(payload)); err != nil {
					return fmt.Errorf("decode base64 payload: %w", err)
				}
			}

			var sender *encryption.PublicKey
			if from != "" {
				k, err := encryption.ParsePublicKey(from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				sender = &k
			}
			recipients, err := encryption.ParsePublicKeys(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			d, err := c.Send(cmd.Context(), payload, sender, recipients)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sender public key (defaults to the node's first key)")
	cmd.Flags().StringArrayVar(&to, "to", nil, "Recipient public key (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "Read the payload from a file")
	cmd.Flags().BoolVar(&isB64, "base64", false, "Payload is base64 encoded")
	return cmd
}

func newReceiveCmd(newClient clientFactory) *cobra.Command {
	var (
		to  string
		out string
	)
	cmd := &cobra.Command{
		Use:   "receive <key>",
		Short: "Fetch and decrypt a payload by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := digest.Parse(args[0])
			if err != nil {
				return err
			}
			var recipient encryption.PublicKey
			if to != "" {
				if recipient, err = encryption.ParsePublicKey(to); err != nil {
					return fmt.Errorf("--to: %w", err)
				}
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			payload, err := c.Receive(cmd.Context(), d, recipient)
			if err != nil {
				return err
			}
			if out != "" {
				return os.WriteFile(out, payload, 0o600)
			}
			_, err = cmd.OutOrStdout().Write(payload)
			return err
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Hosted recipient key to decrypt with")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the payload to a file instead of stdout")
	return cmd
}

func newUpcheckCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "upcheck",
		Short: "Check that the node is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.Upcheck(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "up")
			return nil
		},
	}
}

func newPublicKeysCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "publickeys",
		Short: "List the public keys hosted by the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			keys, err := c.PublicKeys(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k.String())
			}
			return nil
		},
	}
}

func readPayload(stdin io.Reader, args []string, file string) ([]byte, error) {
	switch {
	case len(args) == 1 && file != "":
		return nil, fmt.Errorf("give the payload as an argument or --file, not both")
	case len(args) == 1:
		return []byte(args[0]), nil
	case file != "":
		return os.ReadFile(file)
	default:
		return io.ReadAll(stdin)
	}
}

package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fystack/orion/internal/node/identity"
	"github.com/fystack/orion/pkg/security"
)

const minPassphraseLength = 12

// NewGenerateKeysCmd creates the generate-keys command
func NewGenerateKeysCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "generate-keys",
		Short: "Generate a key pair for hosting on a node",
		Long:  "Generate a key pair, optionally age-encrypting the private key with a passphrase",
		RunE:  runGenerateKeys,
	}

	cmd.Flags().StringP("name", "n", "", "Key file base name (required)")
	cmd.Flags().StringP("dir", "d", ".", "Output directory for key files")
	cmd.Flags().BoolP("encrypt", "e", false, "Encrypt the private key with a passphrase (recommended for production)")
	cmd.Flags().StringP("password-file", "f", "", "Read the passphrase from a file instead of prompting")
	cmd.Flags().Bool("overwrite", false, "Overwrite key files if they already exist")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func runGenerateKeys(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	dir, _ := cmd.Flags().GetString("dir")
	encrypt, _ := cmd.Flags().GetBool("encrypt")
	passwordFile, _ := cmd.Flags().GetString("password-file")
	overwrite, _ := cmd.Flags().GetBool("overwrite")

	var passphrase string
	switch {
	case passwordFile != "":
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return fmt.Errorf("failed to read password file %s: %w", passwordFile, err)
		}
		passphrase = strings.TrimSpace(string(data))
		security.ZeroBytes(data)
		if passphrase == "" {
			return fmt.Errorf("password file %s is empty", passwordFile)
		}
	case encrypt:
		var err error
		if passphrase, err = requestPassphrase(); err != nil {
			return err
		}
	default:
		fmt.Println("WARNING: Private key will NOT be encrypted. This is not recommended for production environments.")
		fmt.Println("Use --encrypt flag to enable encryption.")
	}
	defer security.ZeroString(&passphrase)

	pubPath, privPath, err := identity.GenerateKeyFiles(identity.GenerateOptions{
		Dir:        dir,
		Name:       name,
		Passphrase: passphrase,
		Overwrite:  overwrite,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Public key written to %s\n", pubPath)
	fmt.Printf("Private key written to %s\n", privPath)
	return nil
}

// requestPassphrase prompts twice and enforces a minimum strength.
func requestPassphrase() (string, error) {
	fmt.Println("IMPORTANT: Please ensure you back up your passphrase securely.")
	fmt.Println("If lost, you won't be able to recover your private key.")

	fmt.Print("Enter passphrase to encrypt private key: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	defer security.ZeroBytes(first)

	fmt.Print("Confirm passphrase: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation passphrase: %w", err)
	}
	defer security.ZeroBytes(second)

	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	passphrase := string(first)
	if err := validatePassphrase(passphrase); err != nil {
		return "", err
	}
	return passphrase, nil
}

func validatePassphrase(p string) error {
	if len(p) < minPassphraseLength {
		return fmt.Errorf("passphrase too short (minimum %d characters)", minPassphraseLength)
	}
	for _, r := range p {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return nil
		}
	}
	return fmt.Errorf("passphrase must contain at least 1 special character")
}

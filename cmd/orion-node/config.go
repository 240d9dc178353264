package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/fystack/orion/pkg/common/errors"
	"github.com/fystack/orion/pkg/config"
	"github.com/fystack/orion/pkg/security"
	"github.com/fystack/orion/pkg/storage"
)

// loadPasswordFromFile reads the BadgerDB password from a file
func loadPasswordFromFile(cfg *config.Config, filePath string) error {
	passwordBytes, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read password file %s", filePath)
	}
	defer security.ZeroBytes(passwordBytes)

	password := strings.TrimSpace(string(passwordBytes))
	if password == "" {
		return fmt.Errorf("password file %s is empty", filePath)
	}

	config.SetBadgerPassword(password)
	if cfg != nil {
		cfg.BadgerPassword = password
	}
	security.ZeroString(&password)
	return nil
}

// promptForSensitiveCredentials asks for the badger password with
// confirmation. Other backends have nothing to prompt for.
func promptForSensitiveCredentials(cfg *config.Config) error {
	loc, err := cfg.StorageLocation()
	if err != nil {
		return err
	}
	if loc.Backend != storage.BackendBadger {
		return nil
	}

	fmt.Println("WARNING: Please back up your Badger DB password in a secure location.")
	fmt.Println("If you lose this password, you will permanently lose access to your data!")

	var badgerPass []byte
	var confirmPass []byte
	defer func() {
		security.ZeroBytes(badgerPass)
		security.ZeroBytes(confirmPass)
	}()

	for {
		fmt.Print("Enter Badger DB password: ")
		badgerPass, err = term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read badger password: %w", err)
		}
		if len(badgerPass) == 0 {
			fmt.Println("Password cannot be empty. Please try again.")
			continue
		}

		fmt.Print("Confirm Badger DB password: ")
		confirmPass, err = term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read confirmation password: %w", err)
		}
		if string(badgerPass) != string(confirmPass) {
			fmt.Println("Passwords do not match. Please try again.")
			continue
		}
		break
	}

	passwordStr := string(badgerPass)
	fmt.Printf("Password set: %s\n", maskString(passwordStr))
	config.SetBadgerPassword(passwordStr)
	cfg.BadgerPassword = passwordStr
	security.ZeroString(&passwordStr)
	return nil
}

// maskString shows the first and last character of a string, replacing the middle with asterisks
func maskString(s string) string {
	if len(s) <= 2 {
		return s
	}
	return s[:1] + strings.Repeat("*", len(s)-2) + s[len(s)-1:]
}

// checkRequiredConfigValues validates what config.Load cannot: values
// that may arrive from flags or prompts after loading.
func checkRequiredConfigValues(cfg *config.Config) error {
	if len(cfg.PrivateKeys) == 0 {
		return errors.New("at least one key pair is required (public_keys / private_keys)")
	}
	loc, err := cfg.StorageLocation()
	if err != nil {
		return err
	}
	if loc.Backend == storage.BackendBadger && cfg.BackupEnabled && cfg.BadgerPassword == "" {
		return errors.New("badger password is required when backups are enabled")
	}
	return nil
}

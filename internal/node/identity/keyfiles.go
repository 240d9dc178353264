// Package identity loads and writes the key pairs a node hosts.
//
// A key pair lives in two files: <name>.pub holds the base64 public key and
// <name>.key the base64 private key. A private key file ending in .age is
// encrypted with an age scrypt passphrase.
package identity

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"filippo.io/age"
	"golang.org/x/term"

	"github.com/fystack/orion/pkg/encryption"
	"github.com/fystack/orion/pkg/filesystem"
	"github.com/fystack/orion/pkg/logger"
	"github.com/fystack/orion/pkg/security"
)

const (
	PublicKeyExt     = ".pub"
	PrivateKeyExt    = ".key"
	EncryptedKeyExt  = ".key.age"
	maxKeyFileLength = 4096
)

var (
	ErrKeyMismatch      = errors.New("identity: private key does not match public key")
	ErrKeyCountMismatch = errors.New("identity: public and private key lists differ in length")
)

// PassphraseReader returns the passphrase for the encrypted key at path.
type PassphraseReader func(path string) (string, error)

// TerminalPassphrase prompts on the controlling terminal.
func TerminalPassphrase(path string) (string, error) {
	fmt.Printf("Enter passphrase to decrypt %s: ", path)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	passphrase := string(raw)
	security.ZeroBytes(raw)
	return passphrase, nil
}

// LoadOptions configures LoadKeyPairs.
type LoadOptions struct {
	PublicKeys  []string
	PrivateKeys []string
	// PasswordsFile has one line per private key; a blank line marks an
	// unencrypted key.
	PasswordsFile string
	// Prompt is used for encrypted keys without a password line.
	Prompt PassphraseReader
}

// LoadKeyPairs reads the configured key files, in order. Every private key
// must derive the public key listed at the same position.
func LoadKeyPairs(opts LoadOptions) ([]*encryption.KeyPair, error) {
	if len(opts.PublicKeys) != len(opts.PrivateKeys) {
		return nil, fmt.Errorf("%w: %d public, %d private", ErrKeyCountMismatch, len(opts.PublicKeys), len(opts.PrivateKeys))
	}
	passwords, err := readPasswords(opts.PasswordsFile)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range passwords {
			security.ZeroString(&passwords[i])
		}
	}()

	pairs := make([]*encryption.KeyPair, 0, len(opts.PrivateKeys))
	for i, privPath := range opts.PrivateKeys {
		pub, err := ReadPublicKeyFile(opts.PublicKeys[i])
		if err != nil {
			return nil, err
		}
		var password string
		if i < len(passwords) {
			password = passwords[i]
		}
		kp, err := readPrivateKeyFile(privPath, password, opts.Prompt)
		if err != nil {
			return nil, err
		}
		if kp.Public != pub {
			return nil, fmt.Errorf("%w: %s and %s", ErrKeyMismatch, opts.PublicKeys[i], privPath)
		}
		logger.Info("Loaded key pair", "public_key", pub.String(), "file", privPath)
		pairs = append(pairs, kp)
	}
	return pairs, nil
}

// ReadPublicKeyFile parses a .pub file.
func ReadPublicKeyFile(path string) (encryption.PublicKey, error) {
	data, err := readSmallFile(path)
	if err != nil {
		return encryption.PublicKey{}, err
	}
	k, err := encryption.ParsePublicKey(strings.TrimSpace(string(data)))
	if err != nil {
		return encryption.PublicKey{}, fmt.Errorf("public key file %s: %w", path, err)
	}
	return k, nil
}

// ResolvePublicKeys accepts base64 keys or paths to .pub files, as used by
// always_send_to. Relative paths are resolved against baseDir.
func ResolvePublicKeys(baseDir string, refs []string) ([]encryption.PublicKey, error) {
	keys := make([]encryption.PublicKey, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if k, err := encryption.ParsePublicKey(ref); err == nil {
			keys = append(keys, k)
			continue
		}
		path := ref
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		k, err := ReadPublicKeyFile(path)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func readPrivateKeyFile(path, password string, prompt PassphraseReader) (*encryption.KeyPair, error) {
	data, err := readSmallFile(path)
	if err != nil {
		return nil, err
	}
	defer security.ZeroBytes(data)

	if strings.HasSuffix(path, ".age") {
		if password == "" {
			if prompt == nil {
				return nil, fmt.Errorf("no passphrase available for encrypted key %s", path)
			}
			if password, err = prompt(path); err != nil {
				return nil, err
			}
		}
		logger.Infof("Using age-encrypted private key %s", path)
		plain, err := decryptKey(data, password)
		security.ZeroString(&password)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", path, err)
		}
		defer security.ZeroBytes(plain)
		data = plain
	}

	priv, err := encryption.ParsePrivateKey(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("private key file %s: %w", path, err)
	}
	return encryption.KeyPairFromPrivate(priv)
}

func decryptKey(data []byte, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity for decryption: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(r, maxKeyFileLength))
}

func readPasswords(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read passwords file %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read passwords file %s: %w", path, err)
	}
	logger.Infof("Using passphrases from file: %s", path)
	return out, nil
}

func readSmallFile(path string) ([]byte, error) {
	if err := filesystem.ValidateFilePath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key file: %w", err)
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxKeyFileLength))
}

// GenerateOptions configures GenerateKeyFiles.
type GenerateOptions struct {
	Dir  string
	Name string
	// Passphrase, when set, age-encrypts the private key file.
	Passphrase string
	// WorkFactor overrides the scrypt work factor; zero keeps age's default.
	WorkFactor int
	Overwrite  bool
}

// GenerateKeyFiles creates a fresh key pair and writes its files. It
// returns the public and private file paths.
func GenerateKeyFiles(opts GenerateOptions) (string, string, error) {
	if opts.Name == "" {
		return "", "", errors.New("identity: key name is required")
	}
	pubPath, err := filesystem.SafePath(opts.Dir, opts.Name+PublicKeyExt)
	if err != nil {
		return "", "", err
	}
	ext := PrivateKeyExt
	if opts.Passphrase != "" {
		ext = EncryptedKeyExt
	}
	privPath, err := filesystem.SafePath(opts.Dir, opts.Name+ext)
	if err != nil {
		return "", "", err
	}
	if !opts.Overwrite {
		for _, p := range []string{pubPath, privPath} {
			exists, err := filesystem.Exists(p)
			if err != nil {
				return "", "", err
			}
			if exists {
				return "", "", fmt.Errorf("identity: %s already exists", p)
			}
		}
	}

	kp, err := encryption.GenerateKeyPair()
	if err != nil {
		return "", "", err
	}
	privText := []byte(kp.Private.Encode() + "\n")
	defer security.ZeroBytes(privText)

	if opts.Passphrase != "" {
		if privText, err = encryptKey(privText, opts.Passphrase, opts.WorkFactor); err != nil {
			return "", "", err
		}
	}
	if err := filesystem.WriteFileAtomic(privPath, privText, 0o600); err != nil {
		return "", "", err
	}
	if err := filesystem.WriteFileAtomic(pubPath, []byte(kp.Public.String()+"\n"), 0o644); err != nil {
		return "", "", err
	}
	logger.Info("Generated key pair", "public_key", kp.Public.String(), "file", privPath)
	return pubPath, privPath, nil
}

func encryptKey(plain []byte, passphrase string, workFactor int) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to create age recipient: %w", err)
	}
	if workFactor > 0 {
		recipient.SetWorkFactor(workFactor)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to init encryption: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

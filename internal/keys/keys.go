package keys

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"filippo.io/age"

	"snapkeep/internal/crypto"
)

// Generate creates an X25519 key pair. When identityPath is set the private
// key is written there with owner-only permissions instead of being printed.
func Generate(w io.Writer, identityPath string) (*age.X25519Identity, error) {
	fmt.Fprintln(w, "Generating age public and private key pair...")

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	publicKey := identity.Recipient().String()

	fmt.Fprintln(w, "\n=== Age Key Pair Generated ===")
	fmt.Fprintf(w, "Public key:  %s\n", publicKey)

	if identityPath == "" {
		fmt.Fprintf(w, "Private key: %s\n", identity.String())
		fmt.Fprintln(w, "\n!! Keep your private key secure !!")
		return identity, nil
	}

	if _, err := os.Stat(identityPath); err == nil {
		return nil, fmt.Errorf("refusing to overwrite existing identity file %s", identityPath)
	}
	doc := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
		time.Now().Format(time.RFC3339), publicKey, identity.String())
	if err := os.WriteFile(identityPath, []byte(doc), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write identity file: %w", err)
	}
	fmt.Fprintf(w, "Private key written to: %s\n", identityPath)
	fmt.Fprintf(w, "\nSet age_public_key: %s and age_identity_file: %s in your config.\n", publicKey, identityPath)
	return identity, nil
}

// Test checks that the identity in identityPath decrypts data encrypted to
// publicKey.
func Test(w io.Writer, publicKey, identityPath string) error {
	fmt.Fprintln(w, "Testing age key pair compatibility...")

	if publicKey == "" {
		return errors.New("no age_public_key configured")
	}
	recipient, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return fmt.Errorf("failed to parse public key from config: %w", err)
	}
	fmt.Fprintf(w, "Public key from config: %s\n", publicKey)

	identity, err := crypto.LoadIdentity(identityPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Private key loaded from: %s\n", identityPath)

	probe := []byte("snapkeep key pair test " + time.Now().Format(time.RFC3339Nano))

	fmt.Fprintln(w, "\nEncrypting test data with public key...")
	ciphertext, err := crypto.Encrypt(probe, recipient)
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}
	fmt.Fprintln(w, "Encryption successful")

	fmt.Fprintln(w, "Decrypting test data with private key...")
	plain, err := crypto.Decrypt(ciphertext, identity)
	if err != nil {
		return fmt.Errorf("decryption failed: %w\nThis means the private key does not match the public key in config", err)
	}
	fmt.Fprintln(w, "Decryption successful")

	if !bytes.Equal(plain, probe) {
		return errors.New("content mismatch: decrypted content does not match original")
	}
	fmt.Fprintln(w, "Content verification successful")
	return nil
}

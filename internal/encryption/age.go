package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// ErrPassphraseRequired is returned when a protected identity is unlocked without a
// passphrase.
var ErrPassphraseRequired = errors.New("identity file is passphrase-protected")

var ageHeader = []byte("age-encryption.org/v1")

// KeyPair manages the X25519 key pair archives are encrypted to. The public key is
// stored in plaintext next to the identity file; the identity is optionally encrypted
// with a passphrase using age's scrypt-based passphrase encryption.
type KeyPair struct {
	identityPath  string
	recipientPath string
}

// NewKeyPair creates a KeyPair whose public key lives at identityPath + ".pub".
func NewKeyPair(identityPath string) *KeyPair {
	return &KeyPair{
		identityPath:  identityPath,
		recipientPath: identityPath + ".pub",
	}
}

// IdentityPath returns the location of the private key.
func (k *KeyPair) IdentityPath() string { return k.identityPath }

// Setup generates a new X25519 key pair and returns the public key. With a non-empty
// passphrase the identity file is encrypted.
func (k *KeyPair) Setup(passphrase string) (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating key pair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(k.identityPath), 0700); err != nil {
		return "", fmt.Errorf("creating key directory: %w", err)
	}

	recipient := identity.Recipient().String()
	if err := os.WriteFile(k.recipientPath, []byte(recipient+"\n"), 0644); err != nil {
		return "", fmt.Errorf("writing public key: %w", err)
	}

	privFile, err := os.OpenFile(k.identityPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("creating private key file: %w", err)
	}
	defer privFile.Close()

	if passphrase == "" {
		if _, err := io.WriteString(privFile, identity.String()+"\n"); err != nil {
			return "", fmt.Errorf("writing private key: %w", err)
		}
		return recipient, nil
	}

	scrypt, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return "", fmt.Errorf("creating scrypt recipient: %w", err)
	}
	w, err := age.Encrypt(privFile, scrypt)
	if err != nil {
		return "", fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return "", fmt.Errorf("writing encrypted private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encrypted private key: %w", err)
	}
	return recipient, nil
}

// IsConfigured reports whether the identity file exists.
func (k *KeyPair) IsConfigured() bool {
	_, err := os.Stat(k.identityPath)
	return err == nil
}

// Recipient returns the stored public key.
func (k *KeyPair) Recipient() (string, error) {
	data, err := os.ReadFile(k.recipientPath)
	if err != nil {
		return "", fmt.Errorf("reading public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Unlock loads the identity, decrypting it with passphrase when it is protected.
func (k *KeyPair) Unlock(passphrase string) (*AgeDecryptor, error) {
	data, err := os.ReadFile(k.identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	if bytes.HasPrefix(data, ageHeader) {
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		scrypt, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt identity: %w", err)
		}
		decReader, err := age.Decrypt(bytes.NewReader(data), scrypt)
		if err != nil {
			return nil, fmt.Errorf("decrypting private key: %w", err)
		}
		if data, err = io.ReadAll(decReader); err != nil {
			return nil, fmt.Errorf("reading decrypted private key: %w", err)
		}
	}

	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in private key")
	}
	return NewAgeDecryptor(identities...), nil
}

// Encrypt reads plaintext from r and writes ciphertext for the given public keys to w.
func Encrypt(r io.Reader, w io.Writer, recipients ...string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}
	parsed := make([]age.Recipient, 0, len(recipients))
	for _, s := range recipients {
		rcpt, err := age.ParseX25519Recipient(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("parsing recipient: %w", err)
		}
		parsed = append(parsed, rcpt)
	}
	return encrypt(r, w, parsed...)
}

// EncryptWithPassphrase encrypts r for a passphrase instead of a key pair.
func EncryptWithPassphrase(r io.Reader, w io.Writer, passphrase string) error {
	rcpt, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	return encrypt(r, w, rcpt)
}

func encrypt(r io.Reader, w io.Writer, recipients ...age.Recipient) error {
	encWriter, err := age.Encrypt(w, recipients...)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.Copy(encWriter, r); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}
	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return nil
}

// AgeDecryptor decrypts age streams with a fixed set of identities.
type AgeDecryptor struct {
	identities []age.Identity
}

func NewAgeDecryptor(identities ...age.Identity) *AgeDecryptor {
	return &AgeDecryptor{identities: identities}
}

// NewPassphraseDecryptor decrypts streams encrypted with EncryptWithPassphrase.
func NewPassphraseDecryptor(passphrase string) (*AgeDecryptor, error) {
	id, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	return NewAgeDecryptor(id), nil
}

// With returns a decryptor trying the identities of d and then those of other.
func (d *AgeDecryptor) With(other *AgeDecryptor) *AgeDecryptor {
	ids := append(append([]age.Identity(nil), d.identities...), other.identities...)
	return NewAgeDecryptor(ids...)
}

// Decrypt reads age-encrypted ciphertext from r and writes plaintext to w.
func (d *AgeDecryptor) Decrypt(r io.Reader, w io.Writer) error {
	if len(d.identities) == 0 {
		return fmt.Errorf("no identities to decrypt with")
	}
	decReader, err := age.Decrypt(r, d.identities...)
	if err != nil {
		return fmt.Errorf("creating decrypted reader: %w", err)
	}
	if _, err := io.Copy(w, decReader); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}
	return nil
}

package encryption

import (
	"fmt"

	"labport/internal/config"
)

// NewDecryptorFromConfig builds the decryptor for encrypted archives. The identity file is
// used when it exists; a passphrase additionally opens passphrase-encrypted archives.
// Returns nil when neither is available.
func NewDecryptorFromConfig(cfg config.ArchiveConfig, passphrase string) (*AgeDecryptor, error) {
	var d *AgeDecryptor
	if cfg.IdentityPath != "" {
		kp := NewKeyPair(cfg.IdentityPath)
		if kp.IsConfigured() {
			unlocked, err := kp.Unlock(passphrase)
			if err != nil {
				return nil, fmt.Errorf("unlocking %s: %w", cfg.IdentityPath, err)
			}
			d = unlocked
		}
	}
	if passphrase != "" {
		p, err := NewPassphraseDecryptor(passphrase)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return p, nil
		}
		d = d.With(p)
	}
	return d, nil
}

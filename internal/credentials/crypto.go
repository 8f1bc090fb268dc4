// Package credentials stores per-user API keys encrypted at rest and
// releases them to executors through the get_api_key RPC.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// MasterKeyFile names the key file under the daemon's data home.
const MasterKeyFile = "master.key"

const masterKeySize = 32 // AES-256

// MasterKeyProvider owns the vault's master key and the AEAD built over it.
// The key is generated on first start and reused afterwards; losing the file
// orphans every stored credential.
type MasterKeyProvider struct {
	keyPath string
	key     []byte
	aead    cipher.AEAD
}

// NewMasterKeyProvider loads the master key under dataHome, generating it
// when absent.
func NewMasterKeyProvider(dataHome string) (*MasterKeyProvider, error) {
	p := &MasterKeyProvider{keyPath: filepath.Join(dataHome, MasterKeyFile)}

	key, err := os.ReadFile(p.keyPath)
	if err != nil || len(key) != masterKeySize {
		key, err = p.generate()
		if err != nil {
			return nil, fmt.Errorf("master key init: %w", err)
		}
	}
	p.key = key

	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, fmt.Errorf("master key cipher: %w", err)
	}
	if p.aead, err = cipher.NewGCM(block); err != nil {
		return nil, fmt.Errorf("master key gcm: %w", err)
	}
	return p, nil
}

func (p *MasterKeyProvider) generate() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p.keyPath, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// Key exposes the raw key bytes.
func (p *MasterKeyProvider) Key() []byte { return p.key }

// Seal encrypts a credential value under a fresh nonce.
func (p *MasterKeyProvider) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, p.aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return p.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts a credential previously sealed by this provider.
func (p *MasterKeyProvider) Open(ciphertext, nonce []byte) ([]byte, error) {
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	return plaintext, nil
}

// pkg/vault/vault.go
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrInvalidCiphertext is returned for tampered, truncated or foreign-key
// ciphertexts. Callers treat it as a per-tenant failure, never fatal.
var ErrInvalidCiphertext = errors.New("vault: invalid ciphertext")

const envelopeVersion = 0x01

// Cipher encrypts tenant secrets at rest. Envelope: version|nonce|ct,
// base64-encoded so values fit text columns.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, errors.New("vault: empty master key")
	}
	h := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	out := make([]byte, 1+len(nonce)+len(ct))
	out[0] = envelopeVersion
	copy(out[1:1+len(nonce)], nonce)
	copy(out[1+len(nonce):], ct)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(raw) < 1+ns || raw[0] != envelopeVersion {
		return "", ErrInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, raw[1:1+ns], raw[1+ns:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}

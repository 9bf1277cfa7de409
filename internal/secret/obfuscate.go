// Package secret keeps stored credentials out of plaintext.
//
// This is obfuscation, not confidentiality: the default passphrase ships
// with the binary, so anyone holding the binary and the settings file can
// recover the value. Deployments that need real at-rest protection must
// supply their own passphrase (config storage.secretPassphrase) or keep
// credentials in an external secret store.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Prefix marks an obfuscated value: OBF:base64(nonce|ciphertext|tag).
const Prefix = "OBF:"

const (
	DefaultPassphrase = "chatguard-settings-obfuscation"
	keySize           = 32
	iterations        = 10000
)

var salt = []byte("chatguard/ai-defense-settings")

var (
	ErrInvalidCiphertext = errors.New("invalid obfuscated value")
	ErrDecryptionFailed  = errors.New("obfuscated value could not be decoded")
)

// Obfuscator seals and opens short credential strings with AES-256-GCM.
type Obfuscator struct {
	aead cipher.AEAD
}

// New derives the key from passphrase. An empty passphrase selects
// DefaultPassphrase.
func New(passphrase string) (*Obfuscator, error) {
	if passphrase == "" {
		passphrase = DefaultPassphrase
	}
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Obfuscator{aead: aead}, nil
}

// Seal obfuscates plaintext. Empty input and already sealed values are
// returned unchanged.
func (o *Obfuscator) Seal(plaintext string) (string, error) {
	if plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}
	nonce := make([]byte, o.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := o.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the prefix are treated as legacy
// plaintext and returned as is.
func (o *Obfuscator) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := o.aead.NonceSize()
	if len(raw) < ns+o.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plain, err := o.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Package vault encrypts broker credential sets at rest and scopes their
// plaintext to a single call.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

const (
	// keyLen is the AES-256 key length.
	keyLen = 32
	// blobVersion prefixes every blob this package produces.
	blobVersion = "v1"
	// fallbackSalt and fallbackInfo bind derived keys to this use.
	fallbackSalt = "brokersync/vault"
	fallbackInfo = "credential-key/v1"
)

// Vault holds the process master key. It is safe for concurrent use.
type Vault struct {
	primary  keyEntry
	previous map[string]keyEntry
}

type keyEntry struct {
	fingerprint string
	aead        cipher.AEAD
}

// LoadKey resolves the master key. master is a base64 encoded 32-byte key;
// when it is empty a key is derived from fallbackSecret with HKDF-SHA256.
func LoadKey(master, fallbackSecret string) ([]byte, error) {
	master = strings.TrimSpace(master)
	if master != "" {
		key, err := decodeKey(master)
		if err != nil {
			return nil, fmt.Errorf("vault: master key: %w", err)
		}
		return key, nil
	}
	if fallbackSecret == "" {
		return nil, errors.New("vault: neither master key nor fallback secret configured")
	}
	return DeriveKey(fallbackSecret)
}

// DeriveKey stretches a high-entropy secret into an AES-256 key.
func DeriveKey(secret string) ([]byte, error) {
	key := make([]byte, keyLen)
	r := hkdf.New(sha256.New, []byte(secret), []byte(fallbackSalt), []byte(fallbackInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

// GenerateKey returns a new random master key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("vault: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("expected %d-byte key, got %d bytes", keyLen, len(key))
	}
	return key, nil
}

// New creates a Vault that encrypts with key. previous keys can still open
// blobs written before a rotation.
func New(key []byte, previous ...[]byte) (*Vault, error) {
	primary, err := newKeyEntry(key)
	if err != nil {
		return nil, err
	}
	v := &Vault{primary: primary, previous: make(map[string]keyEntry, len(previous))}
	for _, k := range previous {
		e, err := newKeyEntry(k)
		if err != nil {
			return nil, err
		}
		v.previous[e.fingerprint] = e
	}
	return v, nil
}

func newKeyEntry(key []byte) (keyEntry, error) {
	if len(key) != keyLen {
		return keyEntry{}, fmt.Errorf("vault: expected %d-byte key, got %d bytes", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return keyEntry{}, fmt.Errorf("vault: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return keyEntry{}, fmt.Errorf("vault: creating GCM: %w", err)
	}
	return keyEntry{fingerprint: Fingerprint(key), aead: aead}, nil
}

// Fingerprint identifies a key without revealing it.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// KeyFingerprint returns the fingerprint of the primary key.
func (v *Vault) KeyFingerprint() string {
	return v.primary.fingerprint
}

// Encrypt seals a credential set into an opaque blob of the form
// v1.<fingerprint>.<base64url(nonce|ciphertext)>.
func (v *Vault) Encrypt(creds domain.Credentials) (string, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("vault: marshal credentials: %w", err)
	}
	defer zero(plaintext)

	e := v.primary
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, []byte(e.fingerprint))
	return blobVersion + "." + e.fingerprint + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. The caller owns the returned
// credentials and must Wipe them; prefer With.
func (v *Vault) Decrypt(blob string) (domain.Credentials, error) {
	parts := strings.Split(strings.TrimSpace(blob), ".")
	if len(parts) != 3 || parts[0] != blobVersion || parts[1] == "" {
		return nil, &domain.VaultError{Kind: domain.ErrCorrupt, Err: errors.New("unrecognised blob format")}
	}

	e, ok := v.lookup(parts[1])
	if !ok {
		return nil, &domain.VaultError{Kind: domain.ErrKeyMismatch, Err: fmt.Errorf("blob sealed with key %s", parts[1])}
	}

	sealed, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, &domain.VaultError{Kind: domain.ErrCorrupt, Err: errors.New("payload is not base64")}
	}
	ns := e.aead.NonceSize()
	if len(sealed) < ns+e.aead.Overhead() {
		return nil, &domain.VaultError{Kind: domain.ErrCorrupt, Err: errors.New("payload too short")}
	}

	plaintext, err := e.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(e.fingerprint))
	if err != nil {
		return nil, &domain.VaultError{Kind: domain.ErrCorrupt, Err: errors.New("authentication failed")}
	}
	defer zero(plaintext)

	creds := domain.Credentials{}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, &domain.VaultError{Kind: domain.ErrCorrupt, Err: errors.New("payload is not a credential set")}
	}
	return creds, nil
}

// Rotate re-encrypts blob under the primary key. Blobs already sealed with
// the primary key are returned unchanged.
func (v *Vault) Rotate(blob string) (string, bool, error) {
	creds, err := v.Decrypt(blob)
	if err != nil {
		return "", false, err
	}
	defer creds.Wipe()
	if strings.HasPrefix(blob, blobVersion+"."+v.primary.fingerprint+".") {
		return blob, false, nil
	}
	out, err := v.Encrypt(creds)
	return out, err == nil, err
}

func (v *Vault) lookup(fp string) (keyEntry, bool) {
	if fp == v.primary.fingerprint {
		return v.primary, true
	}
	e, ok := v.previous[fp]
	return e, ok
}

// With decrypts blob, runs fn with the plaintext and wipes it on every exit
// path. Errors returned by fn have credential values scrubbed from their text.
func (v *Vault) With(ctx context.Context, blob string, fn func(domain.Credentials) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	creds, err := v.Decrypt(blob)
	if err != nil {
		return err
	}
	defer creds.Wipe()

	if err := fn(creds); err != nil {
		return Scrub(err, creds)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

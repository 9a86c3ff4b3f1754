package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

func testKey(t *testing.T, b byte) []byte {
	t.Helper()
	key := make([]byte, keyLen)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	v, err := New(testKey(t, 1))
	require.NoError(t, err)

	blob, err := v.Encrypt(domain.Credentials{"username": "trader", "password": "hunter22"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(blob, "v1."+v.KeyFingerprint()+"."))
	assert.NotContains(t, blob, "hunter22")

	creds, err := v.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "trader", creds["username"])
	assert.Equal(t, "hunter22", creds["password"])
}

func TestDecryptKeyMismatch(t *testing.T) {
	t.Parallel()

	a, err := New(testKey(t, 1))
	require.NoError(t, err)
	b, err := New(testKey(t, 2))
	require.NoError(t, err)

	blob, err := a.Encrypt(domain.Credentials{"api_key": "k"})
	require.NoError(t, err)

	_, err = b.Decrypt(blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrKeyMismatch))
	assert.False(t, errors.Is(err, domain.ErrCorrupt))
	assert.True(t, domain.IsPermanent(err))
}

func TestDecryptCorrupt(t *testing.T) {
	t.Parallel()

	v, err := New(testKey(t, 1))
	require.NoError(t, err)
	blob, err := v.Encrypt(domain.Credentials{"api_key": "k"})
	require.NoError(t, err)

	parts := strings.Split(blob, ".")
	raw, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(raw)

	cases := map[string]string{
		"garbage":     "not-a-blob",
		"bad version": "v9." + parts[1] + "." + parts[2],
		"bad base64":  parts[0] + "." + parts[1] + ".!!!",
		"short":       parts[0] + "." + parts[1] + ".AAAA",
		"tampered":    tampered,
	}
	for name, in := range cases {
		_, err := v.Decrypt(in)
		assert.Truef(t, errors.Is(err, domain.ErrCorrupt), "%s: got %v", name, err)
	}
}

func TestPreviousKeyAndRotate(t *testing.T) {
	t.Parallel()

	oldKey, newKey := testKey(t, 1), testKey(t, 2)
	old, err := New(oldKey)
	require.NoError(t, err)
	blob, err := old.Encrypt(domain.Credentials{"access_token": "tok-123"})
	require.NoError(t, err)

	v, err := New(newKey, oldKey)
	require.NoError(t, err)

	creds, err := v.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", creds["access_token"])

	rotated, changed, err := v.Rotate(blob)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, strings.HasPrefix(rotated, "v1."+Fingerprint(newKey)+"."))

	again, changed, err := v.Rotate(rotated)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, rotated, again)
}

func TestWithWipesAndScrubs(t *testing.T) {
	t.Parallel()

	v, err := New(testKey(t, 3))
	require.NoError(t, err)
	blob, err := v.Encrypt(domain.Credentials{"password": "s3cret-pass"})
	require.NoError(t, err)

	var seen domain.Credentials
	sentinel := errors.New("upstream")
	err = v.With(context.Background(), blob, func(c domain.Credentials) error {
		seen = c
		assert.Equal(t, "s3cret-pass", c["password"])
		return fmt.Errorf("login with s3cret-pass failed: %w", sentinel)
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cret-pass")
	assert.Contains(t, err.Error(), "***")
	assert.ErrorIs(t, err, sentinel)
	assert.Empty(t, seen, "credentials must be wiped after the scope ends")
}

func TestWithCancelledContext(t *testing.T) {
	t.Parallel()

	v, err := New(testKey(t, 3))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err = v.With(ctx, "v1.x.y", func(domain.Credentials) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestLoadKey(t *testing.T) {
	t.Parallel()

	enc, err := GenerateKey()
	require.NoError(t, err)
	key, err := LoadKey(enc, "")
	require.NoError(t, err)
	assert.Len(t, key, keyLen)

	derived1, err := LoadKey("", "jwt-secret")
	require.NoError(t, err)
	derived2, err := LoadKey("", "jwt-secret")
	require.NoError(t, err)
	assert.Equal(t, derived1, derived2)

	_, err = LoadKey("", "")
	assert.Error(t, err)
	_, err = LoadKey(base64.StdEncoding.EncodeToString([]byte("short")), "")
	assert.Error(t, err)
}

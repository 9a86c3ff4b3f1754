package cmd

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brokersync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[store]
driver = "sqlite"
sqlite_path = "`+filepath.Join(t.TempDir(), "bs.db")+`"

[redis]
enabled = false

[vault]
fallback_secret = "cli-test-secret"
`), 0o600))
	return path
}

func TestVaultGenKey(t *testing.T) {
	out, err := run(t, "", "vault", "genkey")
	require.NoError(t, err)
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestVaultEncryptRoundTrip(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := run(t, `{"username":"u","password":"hunter2","device_id":"d"}`,
		"--config", cfgPath, "vault", "encrypt", "--platform", "tradovate")
	require.NoError(t, err)
	blob := strings.TrimSpace(out)
	assert.NotContains(t, blob, "hunter2")

	v, err := loadVault("", "cli-test-secret")
	require.NoError(t, err)
	creds, err := v.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", creds["password"])

	_, err = run(t, `{"username":"u"}`, "--config", cfgPath, "vault", "encrypt", "--platform", "tradovate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing fields")
}

func TestStatsRange(t *testing.T) {
	t.Cleanup(func() { statsFrom, statsTo = "", "" })
	now := time.Date(2025, 3, 15, 18, 0, 0, 0, time.UTC)

	from, to, err := statsRange(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), to)
	assert.Equal(t, time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC), from)

	statsFrom, statsTo = "2025-03-10", "2025-03-01"
	_, _, err = statsRange(now)
	assert.Error(t, err)

	statsFrom, statsTo = "2025-03-01", "2025-03-10"
	from, to, err = statsRange(now)
	require.NoError(t, err)
	assert.Equal(t, 9*24*time.Hour, to.Sub(from))
}

func TestArchiveNeedsBlobStore(t *testing.T) {
	cfgPath := writeConfig(t)

	_, err := run(t, "", "--config", cfgPath, "archive", "list")
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoArchive)

	_, err = run(t, "", "--config", cfgPath, "archive", "show", "2025-13")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid month")
}

package auth

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSecretProvider_EnvironmentWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")

	p, err := NewSecretProvider(SecretProviderConfig{EnvSecret: testSecret, FilePath: path}, newTestTOTPManager(), discardLogger())
	require.NoError(t, err)

	secret, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, testSecret, secret)
	assert.Equal(t, SecretFromEnvironment, p.Info().Source)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "environment secret must not be written to disk")
}

func TestSecretProvider_InvalidEnvironmentSecret(t *testing.T) {
	_, err := NewSecretProvider(SecretProviderConfig{EnvSecret: "not*base32"}, newTestTOTPManager(), discardLogger())
	assert.Error(t, err)
}

func TestSecretProvider_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")

	first, err := NewSecretProvider(SecretProviderConfig{FilePath: path}, newTestTOTPManager(), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, SecretGenerated, first.Info().Source)

	generated, err := first.Current()
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := NewSecretProvider(SecretProviderConfig{FilePath: path}, newTestTOTPManager(), discardLogger())
	require.NoError(t, err)

	loaded, err := second.Current()
	require.NoError(t, err)
	assert.Equal(t, generated, loaded)
	assert.Equal(t, SecretFromFile, second.Info().Source)
}

func TestSecretProvider_EncryptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")
	cfg := SecretProviderConfig{FilePath: path, Cipher: NewSecretCipher("correct horse battery staple")}

	first, err := NewSecretProvider(cfg, newTestTOTPManager(), discardLogger())
	require.NoError(t, err)
	generated, _ := first.Current()
	assert.True(t, first.Info().Encrypted)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), generated)

	var f secretFile
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Empty(t, f.Secret)
	assert.NotEmpty(t, f.Ciphertext)

	second, err := NewSecretProvider(cfg, newTestTOTPManager(), discardLogger())
	require.NoError(t, err)
	loaded, _ := second.Current()
	assert.Equal(t, generated, loaded)

	_, err = NewSecretProvider(SecretProviderConfig{FilePath: path, Cipher: NewSecretCipher("wrong passphrase")}, newTestTOTPManager(), discardLogger())
	assert.Error(t, err)

	_, err = NewSecretProvider(SecretProviderConfig{FilePath: path}, newTestTOTPManager(), discardLogger())
	assert.Error(t, err)
}

func TestSecretProvider_Rotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")

	p, err := NewSecretProvider(SecretProviderConfig{FilePath: path}, newTestTOTPManager(), discardLogger())
	require.NoError(t, err)
	before, _ := p.Current()

	rotated, previous, err := p.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, before, rotated)
	assert.Equal(t, before[:8]+"****", previous)

	current, _ := p.Current()
	assert.Equal(t, rotated, current)
	assert.Equal(t, SecretFromFile, p.Info().Source)

	reloaded, err := NewSecretProvider(SecretProviderConfig{FilePath: path}, newTestTOTPManager(), discardLogger())
	require.NoError(t, err)
	persisted, _ := reloaded.Current()
	assert.Equal(t, rotated, persisted)
}

func TestSecretProvider_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewSecretProvider(SecretProviderConfig{FilePath: path}, newTestTOTPManager(), discardLogger())
	assert.Error(t, err)
}

func TestSecretCipher_NilForEmptyPassphrase(t *testing.T) {
	assert.Nil(t, NewSecretCipher(""))
}

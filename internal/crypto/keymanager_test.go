package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptDecryptRoundtrip(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	require.NoError(t, err)
	assert.Contains(t, string(blob), `"version": 1`)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestEncryptAccepts0xPrefix(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestEncryptKeyValidation(t *testing.T) {
	_, err := EncryptKey(testKeyHex, "")
	require.Error(t, err)

	_, err = EncryptKey("not-hex", "hunter2")
	require.Error(t, err)

	_, err = EncryptKey("abcd", "hunter2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32-byte")
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestDecryptRejectsUnknownVersion(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	require.NoError(t, err)
	tampered := strings.Replace(string(blob), `"version": 1`, `"version": 2`, 1)

	_, err = DecryptKey([]byte(tampered), "hunter2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestLoadKeyRawTakesPrecedence(t *testing.T) {
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex, EncryptedKeyPath: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "zz"})
	require.Error(t, err)
}

func TestLoadKeyFromEncryptedFile(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestLoadKeyNoSource(t *testing.T) {
	_, err := LoadKey(KeyConfig{})
	require.Error(t, err)
}

package infra

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital-certificate-service/config"
)

type stubKeyDecrypter struct {
	plaintext []byte
	err       error
	got       []byte
}

func (s *stubKeyDecrypter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	s.got = ciphertext
	return s.plaintext, s.err
}

func TestParseMasterKey(t *testing.T) {
	raw := bytes.Repeat([]byte{0xab}, masterKeySize)

	t.Run("hex", func(t *testing.T) {
		key, err := ParseMasterKey(hex.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, key)
	})

	t.Run("base64", func(t *testing.T) {
		key, err := ParseMasterKey(base64.StdEncoding.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, key)
	})

	t.Run("passphrase falls back to sha256", func(t *testing.T) {
		key, err := ParseMasterKey("correct horse battery staple")
		require.NoError(t, err)
		sum := sha256.Sum256([]byte("correct horse battery staple"))
		assert.Equal(t, sum[:], key)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseMasterKey("  ")
		assert.Error(t, err)
	})
}

func TestLoadMasterKey_UnwrapsWithKMS(t *testing.T) {
	plain := bytes.Repeat([]byte{0x01}, masterKeySize)
	kms := &stubKeyDecrypter{plaintext: plain}
	cfg := &config.Config{
		KMSKeyName:        "projects/p/locations/l/keyRings/r/cryptoKeys/k",
		CertEncryptionKey: base64.StdEncoding.EncodeToString([]byte("wrapped")),
	}

	key, err := LoadMasterKey(context.Background(), cfg, kms)
	require.NoError(t, err)
	assert.Equal(t, plain, key)
	assert.Equal(t, []byte("wrapped"), kms.got)
}

func TestLoadMasterKey_KMSErrors(t *testing.T) {
	cfg := &config.Config{
		KMSKeyName:        "projects/p/locations/l/keyRings/r/cryptoKeys/k",
		CertEncryptionKey: base64.StdEncoding.EncodeToString([]byte("wrapped")),
	}

	_, err := LoadMasterKey(context.Background(), cfg, nil)
	assert.Error(t, err)

	_, err = LoadMasterKey(context.Background(), cfg, &stubKeyDecrypter{err: errors.New("permission denied")})
	assert.Error(t, err)

	_, err = LoadMasterKey(context.Background(), cfg, &stubKeyDecrypter{plaintext: []byte("short")})
	assert.Error(t, err)
}

func TestLoadMasterKey_WithoutKMS(t *testing.T) {
	raw := bytes.Repeat([]byte{0xcd}, masterKeySize)
	cfg := &config.Config{CertEncryptionKey: hex.EncodeToString(raw)}

	key, err := LoadMasterKey(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

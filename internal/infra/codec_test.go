package infra

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital-certificate-service/internal/domain"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(bytes.Repeat([]byte{0x42}, masterKeySize))
	require.NoError(t, err)
	return codec
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	ciphertext, iv, err := codec.Encrypt([]byte("bundle-bytes"))
	require.NoError(t, err)
	assert.Len(t, iv, gcmNonceSize)
	assert.Len(t, ciphertext, len("bundle-bytes")+16)

	plaintext, err := codec.Decrypt(ciphertext, iv)
	require.NoError(t, err)
	assert.Equal(t, "bundle-bytes", string(plaintext))
}

func TestCodec_FreshIVPerCall(t *testing.T) {
	codec := newTestCodec(t)

	c1, iv1, err := codec.Encrypt([]byte("same"))
	require.NoError(t, err)
	c2, iv2, err := codec.Encrypt([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, iv1, iv2)
	assert.NotEqual(t, c1, c2)
}

func TestCodec_TamperFailsLoudly(t *testing.T) {
	codec := newTestCodec(t)

	ciphertext, iv, err := codec.Encrypt([]byte("passphrase"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = codec.Decrypt(ciphertext, iv)
	assert.ErrorIs(t, err, domain.ErrDecryptFailed)

	_, err = codec.Decrypt(ciphertext, iv[:4])
	assert.ErrorIs(t, err, domain.ErrDecryptFailed)
}

func TestCodec_WrongKeyFails(t *testing.T) {
	codec := newTestCodec(t)
	ciphertext, iv, err := codec.Encrypt([]byte("passphrase"))
	require.NoError(t, err)

	other, err := NewCodec(bytes.Repeat([]byte{0x07}, masterKeySize))
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext, iv)
	assert.ErrorIs(t, err, domain.ErrDecryptFailed)
}

func TestNewCodec_RejectsShortKey(t *testing.T) {
	_, err := NewCodec([]byte("short"))
	assert.Error(t, err)
}

func TestNewCodec_WipesSourceKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, masterKeySize)
	_, err := NewCodec(key)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, masterKeySize), key)
}

package infra

import (
	"context"
	"errors"
	"testing"

	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const testKeyName = "projects/p/locations/global/keyRings/r/cryptoKeys/k"

// fakeKMS は平文と暗号文をバイト反転で相互変換するKMS。
type fakeKMS struct {
	encryptResp func(req *kmspb.EncryptRequest) *kmspb.EncryptResponse
	decryptResp func(req *kmspb.DecryptRequest) *kmspb.DecryptResponse
	err         error
	closed      bool
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func (f *fakeKMS) Encrypt(ctx context.Context, req *kmspb.EncryptRequest, opts ...gax.CallOption) (*kmspb.EncryptResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.encryptResp != nil {
		return f.encryptResp(req), nil
	}
	ciphertext := reversed(req.GetPlaintext())
	return &kmspb.EncryptResponse{
		Name:                    req.GetName(),
		Ciphertext:              ciphertext,
		CiphertextCrc32C:        wrapperspb.Int64(crc32c(ciphertext)),
		VerifiedPlaintextCrc32C: req.GetPlaintextCrc32C().GetValue() == crc32c(req.GetPlaintext()),
	}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.decryptResp != nil {
		return f.decryptResp(req), nil
	}
	plaintext := reversed(req.GetCiphertext())
	return &kmspb.DecryptResponse{
		Plaintext:       plaintext,
		PlaintextCrc32C: wrapperspb.Int64(crc32c(plaintext)),
	}, nil
}

func (f *fakeKMS) Close() error {
	f.closed = true
	return nil
}

func TestKMSClient_RoundTrip(t *testing.T) {
	fake := &fakeKMS{}
	client := newKMSClient(fake, testKeyName)
	ctx := context.Background()

	wrapped, err := client.Encrypt(ctx, []byte("master-key"))
	require.NoError(t, err)
	assert.Equal(t, "yek-retsam", string(wrapped))

	unwrapped, err := client.Decrypt(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, "master-key", string(unwrapped))

	require.NoError(t, client.Close())
	assert.True(t, fake.closed)
}

func TestKMSClient_EncryptIntegrity(t *testing.T) {
	tests := []struct {
		name string
		resp *kmspb.EncryptResponse
	}{
		{
			name: "plaintext not verified",
			resp: &kmspb.EncryptResponse{
				Name:             testKeyName,
				Ciphertext:       []byte("ct"),
				CiphertextCrc32C: wrapperspb.Int64(crc32c([]byte("ct"))),
			},
		},
		{
			name: "other key",
			resp: &kmspb.EncryptResponse{
				Name:                    testKeyName + "-other",
				Ciphertext:              []byte("ct"),
				CiphertextCrc32C:        wrapperspb.Int64(crc32c([]byte("ct"))),
				VerifiedPlaintextCrc32C: true,
			},
		},
		{
			name: "ciphertext checksum mismatch",
			resp: &kmspb.EncryptResponse{
				Name:                    testKeyName,
				Ciphertext:              []byte("ct"),
				CiphertextCrc32C:        wrapperspb.Int64(crc32c([]byte("tampered"))),
				VerifiedPlaintextCrc32C: true,
			},
		},
		{
			name: "ciphertext checksum missing",
			resp: &kmspb.EncryptResponse{
				Name:                    testKeyName,
				Ciphertext:              []byte("ct"),
				VerifiedPlaintextCrc32C: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newKMSClient(&fakeKMS{
				encryptResp: func(*kmspb.EncryptRequest) *kmspb.EncryptResponse { return tt.resp },
			}, testKeyName)

			_, err := client.Encrypt(context.Background(), []byte("master-key"))
			assert.ErrorIs(t, err, ErrKMSIntegrity)
		})
	}
}

func TestKMSClient_DecryptIntegrity(t *testing.T) {
	client := newKMSClient(&fakeKMS{
		decryptResp: func(*kmspb.DecryptRequest) *kmspb.DecryptResponse {
			return &kmspb.DecryptResponse{
				Plaintext:       []byte("master-key"),
				PlaintextCrc32C: wrapperspb.Int64(crc32c([]byte("master-kez"))),
			}
		},
	}, testKeyName)

	_, err := client.Decrypt(context.Background(), []byte("wrapped"))
	assert.ErrorIs(t, err, ErrKMSIntegrity)
}

func TestKMSClient_SendsRequestChecksums(t *testing.T) {
	var gotEncrypt *kmspb.EncryptRequest
	var gotDecrypt *kmspb.DecryptRequest
	fake := &fakeKMS{}
	fake.encryptResp = func(req *kmspb.EncryptRequest) *kmspb.EncryptResponse {
		gotEncrypt = req
		return &kmspb.EncryptResponse{
			Name:                    req.GetName(),
			Ciphertext:              []byte("ct"),
			CiphertextCrc32C:        wrapperspb.Int64(crc32c([]byte("ct"))),
			VerifiedPlaintextCrc32C: true,
		}
	}
	fake.decryptResp = func(req *kmspb.DecryptRequest) *kmspb.DecryptResponse {
		gotDecrypt = req
		return &kmspb.DecryptResponse{
			Plaintext:       []byte("pt"),
			PlaintextCrc32C: wrapperspb.Int64(crc32c([]byte("pt"))),
		}
	}
	client := newKMSClient(fake, testKeyName)

	_, err := client.Encrypt(context.Background(), []byte("master-key"))
	require.NoError(t, err)
	require.NotNil(t, gotEncrypt)
	assert.Equal(t, testKeyName, gotEncrypt.GetName())
	assert.Equal(t, crc32c([]byte("master-key")), gotEncrypt.GetPlaintextCrc32C().GetValue())

	_, err = client.Decrypt(context.Background(), []byte("ct"))
	require.NoError(t, err)
	require.NotNil(t, gotDecrypt)
	assert.Equal(t, crc32c([]byte("ct")), gotDecrypt.GetCiphertextCrc32C().GetValue())
}

func TestKMSClient_PropagatesErrors(t *testing.T) {
	client := newKMSClient(&fakeKMS{err: errors.New("permission denied")}, testKeyName)

	_, err := client.Encrypt(context.Background(), []byte("k"))
	assert.ErrorContains(t, err, "permission denied")
	assert.NotErrorIs(t, err, ErrKMSIntegrity)

	_, err = client.Decrypt(context.Background(), []byte("k"))
	assert.ErrorContains(t, err, "permission denied")
}

func TestCRC32C(t *testing.T) {
	// RFC 3720 B.4 の既知値
	assert.Equal(t, int64(0xE3069283), crc32c([]byte("123456789")))
	assert.False(t, crc32cMatches([]byte("a"), nil))
}

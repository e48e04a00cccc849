package bundle

import (
	"bytes"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xpkcs12 "golang.org/x/crypto/pkcs12"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"

	"digital-certificate-service/internal/bundle/bundletest"
	"digital-certificate-service/internal/domain"
)

func TestValidate_ModernBundle(t *testing.T) {
	fx := bundletest.Modern(t, "s3cret")

	material, err := NewValidator().Validate(fx.Bundle, "s3cret")
	require.NoError(t, err)

	assert.Equal(t, fx.Bundle, material.Normalized)
	assert.Equal(t, "test-lawyer", material.Leaf.Subject.CommonName)
	assert.Equal(t, fx.Leaf.NotAfter, material.Leaf.NotAfter)
	assert.Len(t, material.Certificate.Certificate, 1)
	assert.NotNil(t, material.Certificate.PrivateKey)
}

func TestValidate_LegacyBundleWithChain(t *testing.T) {
	fx := bundletest.New(t, "s3cret", bundletest.Options{WithCA: true, Encoder: gopkcs12.LegacyDES})

	material, err := NewValidator().Validate(fx.Bundle, "s3cret")
	require.NoError(t, err)

	require.Len(t, material.Chain, 1)
	assert.Equal(t, "Test Root CA", material.Chain[0].Subject.CommonName)
	assert.Len(t, material.Certificate.Certificate, 2)
}

func TestValidate_WrongPassphrase(t *testing.T) {
	for name, fx := range map[string]*bundletest.Fixture{
		"modern": bundletest.Modern(t, "right"),
		"legacy": bundletest.LegacyDES(t, "right"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewValidator().Validate(fx.Bundle, "wrong")
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Equal(t, domain.ValidationWrongPassphrase, domain.ValidationKindOf(err))
		})
	}
}

func TestValidate_UnsupportedMacDigest(t *testing.T) {
	fx := bundletest.UnknownMacDigest(t, "s3cret")

	_, err := NewValidator().Validate(fx.Bundle, "s3cret")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.ValidationUnsupportedCipher, domain.ValidationKindOf(err))
	assert.Contains(t, domain.UserMessage(err), "AES-256")
}

func TestValidate_Guards(t *testing.T) {
	v := NewValidator()

	_, err := v.Validate(make([]byte, domain.MaxBundleSize+1), "")
	assert.Equal(t, domain.ValidationTooLarge, domain.ValidationKindOf(err))

	_, err = v.Validate([]byte{0x30, 0x82}, "")
	assert.Equal(t, domain.ValidationMissingPassphrase, domain.ValidationKindOf(err))

	_, err = v.Validate(nil, "pass")
	assert.Equal(t, domain.ValidationMalformed, domain.ValidationKindOf(err))

	_, err = v.Validate([]byte("this is not a certificate"), "pass")
	assert.Equal(t, domain.ValidationMalformed, domain.ValidationKindOf(err))
}

func TestValidate_AcceptsExactlyMaxSize(t *testing.T) {
	_, err := NewValidator().Validate(make([]byte, domain.MaxBundleSize), "pass")
	assert.NotEqual(t, domain.ValidationTooLarge, domain.ValidationKindOf(err))
}

func TestValidate_TextEncodedBundles(t *testing.T) {
	fx := bundletest.Modern(t, "s3cret")

	armored := pem.EncodeToMemory(&pem.Block{Type: "PKCS12", Bytes: fx.Bundle})
	material, err := NewValidator().Validate(armored, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, fx.Bundle, material.Normalized)

	wrapped := []byte(base64.StdEncoding.EncodeToString(fx.Bundle) + "\n")
	material, err = NewValidator().Validate(wrapped, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, fx.Bundle, material.Normalized)
}

func TestDecodeLegacy_RejectsModernCipher(t *testing.T) {
	fx := bundletest.Modern(t, "s3cret")

	_, err := decodeLegacy(fx.Bundle, "s3cret")
	require.Error(t, err)
	assert.Equal(t, domain.ValidationUnsupportedCipher, domain.ValidationKindOf(classify(errors.New("other"), err)))
}

func TestDecodeLegacy_RebuildsFromParts(t *testing.T) {
	fx := bundletest.LegacyDES(t, "s3cret")

	material, err := decodeLegacy(fx.Bundle, "s3cret")
	require.NoError(t, err)
	assert.True(t, material.Leaf.Equal(fx.Leaf))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		errs []error
		want domain.ValidationKind
	}{
		{"sslmate wrong password", []error{gopkcs12.ErrIncorrectPassword}, domain.ValidationWrongPassphrase},
		{"x/crypto bad decrypt", []error{errors.New("x"), xpkcs12.ErrDecryption}, domain.ValidationWrongPassphrase},
		{"wrapped wrong password", []error{fmt.Errorf("decode: %w", xpkcs12.ErrIncorrectPassword)}, domain.ValidationWrongPassphrase},
		{"unsupported algorithm", []error{gopkcs12.NotImplementedError("RC4")}, domain.ValidationUnsupportedCipher},
		{"legacy unsupported", []error{errors.New("asn1"), xpkcs12.NotImplementedError("digest")}, domain.ValidationUnsupportedCipher},
		{"wrong password wins", []error{gopkcs12.NotImplementedError("RC4"), xpkcs12.ErrIncorrectPassword}, domain.ValidationWrongPassphrase},
		{"anything else", []error{errors.New("asn1: structure error"), errKeyMismatch}, domain.ValidationMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.ValidationKindOf(classify(tt.errs...)))
		})
	}
}

func TestNormalize(t *testing.T) {
	binary := []byte{0x30, 0x82, 0x01, 0x00, 0x02, 0x01, 0x03, 0xff, 0x00}
	assert.Equal(t, binary, Normalize(binary))

	payload := []byte{0x30, 0x03, 0x02, 0x01, 0x03}
	armored := "garbage before\n-----BEGIN PKCS12-----\n" + base64.StdEncoding.EncodeToString(payload) + "\n-----END PKCS12-----\n"
	assert.Equal(t, payload, Normalize([]byte(armored)))

	spaced := "MAMC AQM=\r\n"
	assert.Equal(t, payload, Normalize([]byte(spaced)))

	notBase64 := []byte("hello world!")
	assert.Equal(t, notBase64, Normalize(notBase64))

	// 末尾ビットが0でないBase64は再エンコードと一致しないため拒否する
	nonCanonical := []byte("MAMCAQN=")
	assert.Equal(t, nonCanonical, Normalize(nonCanonical))
}

func TestLooksLikeText(t *testing.T) {
	assert.False(t, looksLikeText(nil))
	assert.True(t, looksLikeText([]byte("MIIK\tabc\r\n")))
	assert.False(t, looksLikeText(bytes.Repeat([]byte{0x00, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41}, 10)))
}

// Package bundletest はテスト用のPKCS#12バンドルを生成する。
package bundletest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	gopkcs12 "software.sslmate.com/src/go-pkcs12"
)

// sha256MacOID はMacDataのダイジェストアルゴリズム (2.16.840.1.101.3.4.2.1) のDERエンコード。
var sha256MacOID = []byte{0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01}

// Fixture はテスト用に生成した鍵・証明書とエンコード済みバンドル。
type Fixture struct {
	Leaf   *x509.Certificate
	CA     *x509.Certificate
	Key    *ecdsa.PrivateKey
	Bundle []byte
}

// Options はバンドル生成の設定。
type Options struct {
	CommonName string
	NotAfter   time.Time
	WithCA     bool
	Encoder    *gopkcs12.Encoder
}

// New はOptionsに従ってクライアント証明書のバンドルを生成する。
func New(t testing.TB, passphrase string, opts Options) *Fixture {
	t.Helper()

	if opts.CommonName == "" {
		opts.CommonName = "test-lawyer"
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(365 * 24 * time.Hour).Truncate(time.Second)
	}
	if opts.Encoder == nil {
		opts.Encoder = gopkcs12.Modern
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating leaf key: %v", err)
	}

	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: opts.CommonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     opts.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	var (
		ca      *x509.Certificate
		caCerts []*x509.Certificate
		parent  = leafTemplate
		signer  = leafKey
	)
	if opts.WithCA {
		caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generating CA key: %v", err)
		}
		caTemplate := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: "Test Root CA"},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
			IsCA:                  true,
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageCertSign,
		}
		caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
		if err != nil {
			t.Fatalf("creating CA certificate: %v", err)
		}
		ca, err = x509.ParseCertificate(caDER)
		if err != nil {
			t.Fatalf("parsing CA certificate: %v", err)
		}
		caCerts = []*x509.Certificate{ca}
		parent = ca
		signer = caKey
	}

	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, parent, &leafKey.PublicKey, signer)
	if err != nil {
		t.Fatalf("creating leaf certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("parsing leaf certificate: %v", err)
	}

	pfx, err := opts.Encoder.Encode(leafKey, leaf, caCerts, passphrase)
	if err != nil {
		t.Fatalf("encoding pkcs12: %v", err)
	}

	return &Fixture{Leaf: leaf, CA: ca, Key: leafKey, Bundle: pfx}
}

// Modern はAES-256で暗号化したバンドルを生成する。
func Modern(t testing.TB, passphrase string) *Fixture {
	t.Helper()
	return New(t, passphrase, Options{})
}

// LegacyDES は3DESで暗号化したバンドルを生成する。
func LegacyDES(t testing.TB, passphrase string) *Fixture {
	t.Helper()
	return New(t, passphrase, Options{Encoder: gopkcs12.LegacyDES})
}

// UnknownMacDigest はMACのダイジェストを未定義のOIDに差し替えたバンドルを生成する。
// 構造は正しいが、どちらのデコーダも未対応のアルゴリズムとして扱う。
func UnknownMacDigest(t testing.TB, passphrase string) *Fixture {
	t.Helper()
	fx := Modern(t, passphrase)
	if n := bytes.Count(fx.Bundle, sha256MacOID); n != 1 {
		t.Fatalf("expected exactly one MAC digest OID, found %d", n)
	}
	unknown := bytes.Clone(sha256MacOID)
	unknown[len(unknown)-1] = 0x7f
	fx.Bundle = bytes.Replace(fx.Bundle, sha256MacOID, unknown, 1)
	return fx
}

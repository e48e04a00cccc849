// Package bundle はPKCS#12バンドルの正規化と検証を提供する。
package bundle

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"

	"github.com/awnumar/memguard"
	xpkcs12 "golang.org/x/crypto/pkcs12"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"

	"digital-certificate-service/internal/domain"
)

var (
	errNoPrivateKey   = errors.New("bundle has no private key")
	errNoCertificate  = errors.New("bundle has no certificate")
	errKeyMismatch    = errors.New("private key does not match any certificate in the bundle")
	errUnsupportedKey = errors.New("private key type is not supported for TLS")
	errEmptyBundle    = errors.New("bundle is empty")
)

// Material は検証済みバンドルから得たTLSクライアント認証用の鍵素材。
// 呼び出しの間だけ保持し、ログ出力・キャッシュしてはならない。
type Material struct {
	// Normalized は正規化済みのDERバイト列。保存時はこれを暗号化する。
	Normalized  []byte
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	Chain       []*x509.Certificate
}

// Validator はPKCS#12バンドルとパスフレーズを検証する。
type Validator struct {
	maxSize int
}

// NewValidator は新しいValidatorを生成する。
func NewValidator() *Validator {
	return &Validator{maxSize: domain.MaxBundleSize}
}

// Validate はバンドルを正規化し、パスフレーズで鍵素材を取り出せることを確認する。
// まずsslmate/go-pkcs12で直接TLS証明書を構築し、失敗した場合は
// x/crypto/pkcs12でPEMに分解してから再構築する。
func (v *Validator) Validate(raw []byte, passphrase string) (*Material, error) {
	if len(raw) > v.maxSize {
		return nil, domain.Invalid(domain.ValidationTooLarge, nil)
	}
	if passphrase == "" {
		return nil, domain.Invalid(domain.ValidationMissingPassphrase, nil)
	}
	if len(raw) == 0 {
		return nil, domain.Invalid(domain.ValidationMalformed, errEmptyBundle)
	}

	der := Normalize(raw)

	material, fastErr := decodeChain(der, passphrase)
	if fastErr == nil {
		return material, nil
	}
	if isWrongPassphrase(fastErr) {
		return nil, domain.Invalid(domain.ValidationWrongPassphrase, fastErr)
	}

	material, legacyErr := decodeLegacy(der, passphrase)
	if legacyErr == nil {
		return material, nil
	}
	return nil, classify(fastErr, legacyErr)
}

// decodeChain はバンドルから鍵・証明書・チェーンを直接取り出す。
func decodeChain(der []byte, passphrase string) (*Material, error) {
	key, leaf, caCerts, err := gopkcs12.DecodeChain(der, passphrase)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errUnsupportedKey
	}
	if !publicKeyMatches(leaf.PublicKey, signer.Public()) {
		return nil, errKeyMismatch
	}

	chain := [][]byte{leaf.Raw}
	for _, ca := range caCerts {
		chain = append(chain, ca.Raw)
	}
	return &Material{
		Normalized: der,
		Certificate: tls.Certificate{
			Certificate: chain,
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:  leaf,
		Chain: caCerts,
	}, nil
}

// decodeLegacy はバンドルをPEMブロックに分解し、鍵と一致する証明書を探して再構築する。
// 複数の鍵バッグや順序の異なる証明書バッグを持つバンドルに対応する。
func decodeLegacy(der []byte, passphrase string) (*Material, error) {
	blocks, err := xpkcs12.ToPEM(der, passphrase)
	if err != nil {
		return nil, err
	}

	var keyPEM []byte
	defer func() { memguard.WipeBytes(keyPEM) }()

	var certBlocks []*pem.Block
	for _, b := range blocks {
		switch {
		case strings.HasSuffix(b.Type, "PRIVATE KEY"):
			if keyPEM == nil {
				keyPEM = pem.EncodeToMemory(&pem.Block{Type: b.Type, Bytes: b.Bytes})
			}
		case b.Type == "CERTIFICATE":
			certBlocks = append(certBlocks, b)
		}
	}
	if keyPEM == nil {
		return nil, errNoPrivateKey
	}
	if len(certBlocks) == 0 {
		return nil, errNoCertificate
	}

	for i, leafBlock := range certBlocks {
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafBlock.Bytes})
		var chain []*x509.Certificate
		for j, other := range certBlocks {
			if j == i {
				continue
			}
			ca, err := x509.ParseCertificate(other.Bytes)
			if err != nil {
				return nil, err
			}
			chain = append(chain, ca)
			certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: other.Bytes})...)
		}

		tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			continue
		}
		leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
		if err != nil {
			return nil, err
		}
		tlsCert.Leaf = leaf
		return &Material{
			Normalized:  der,
			Certificate: tlsCert,
			Leaf:        leaf,
			Chain:       chain,
		}, nil
	}
	return nil, errKeyMismatch
}

func publicKeyMatches(certKey, privPublic crypto.PublicKey) bool {
	pub, ok := certKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false
	}
	return pub.Equal(privPublic)
}

// classify は両経路のエラーから検証エラーの種別を決定する。
// パスフレーズ誤りを最優先し、次に未対応の暗号方式、それ以外は不正な形式とする。
func classify(errs ...error) error {
	for _, err := range errs {
		if isWrongPassphrase(err) {
			return domain.Invalid(domain.ValidationWrongPassphrase, err)
		}
	}
	for _, err := range errs {
		if isUnsupportedCipher(err) {
			return domain.Invalid(domain.ValidationUnsupportedCipher, err)
		}
	}
	return domain.Invalid(domain.ValidationMalformed, errors.Join(errs...))
}

func isWrongPassphrase(err error) bool {
	return errors.Is(err, gopkcs12.ErrIncorrectPassword) ||
		errors.Is(err, gopkcs12.ErrDecryption) ||
		errors.Is(err, xpkcs12.ErrIncorrectPassword) ||
		errors.Is(err, xpkcs12.ErrDecryption)
}

func isUnsupportedCipher(err error) bool {
	var modern gopkcs12.NotImplementedError
	if errors.As(err, &modern) {
		return true
	}
	var legacy xpkcs12.NotImplementedError
	return errors.As(err, &legacy)
}

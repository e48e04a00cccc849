package infra

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"digital-certificate-service/config"
)

// KeyDecrypter はKMSで暗号化されたマスターキーを復号するインターフェース。
type KeyDecrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// ParseMasterKey は設定値から32バイトのマスターキーを得る。
// 64桁の16進数、32バイトに復号できるBase64、それ以外は文字列のSHA-256の順で解釈する。
func ParseMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("certificate encryption key is not set")
	}

	if len(raw) == hex.EncodedLen(masterKeySize) {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}

	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == masterKeySize {
		return key, nil
	}

	sum := sha256.Sum256([]byte(raw))
	return sum[:], nil
}

// LoadMasterKey は設定からマスターキーを読み込む。
// KMS_KEY_NAME が設定されている場合、鍵はKMSで暗号化されたBase64として扱い復号する。
func LoadMasterKey(ctx context.Context, cfg *config.Config, kms KeyDecrypter) ([]byte, error) {
	if cfg.KMSKeyName == "" {
		key, err := ParseMasterKey(cfg.CertEncryptionKey)
		if err != nil {
			return nil, err
		}
		return key, nil
	}

	if kms == nil {
		return nil, errors.New("KMS client is required when KMS_KEY_NAME is set")
	}
	wrapped, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.CertEncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped master key: %w", err)
	}
	key, err := kms.Decrypt(ctx, wrapped)
	if err != nil {
		slog.ErrorContext(ctx, "failed to unwrap master key",
			"operation", "load_master_key",
			"kms_key_name", cfg.KMSKeyName,
			"error", err,
		)
		return nil, fmt.Errorf("unwrapping master key: %w", err)
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("unwrapped master key must be %d bytes, got %d", masterKeySize, len(key))
	}
	return key, nil
}

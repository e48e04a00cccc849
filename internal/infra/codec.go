package infra

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"

	"digital-certificate-service/internal/domain"
)

const (
	masterKeySize = 32 // AES-256
	gcmNonceSize  = 12
)

// Codec はAES-256-GCMで証明書データを暗号化・復号する。
// マスターキーはmemguardのEnclaveに保持し、使用時のみ展開する。
type Codec struct {
	key *memguard.Enclave
}

// NewCodec はマスターキーからCodecを生成する。渡されたkeyはゼロクリアされる。
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != masterKeySize {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("master key must be %d bytes, got %d", masterKeySize, len(key))
	}
	return &Codec{key: memguard.NewEnclave(key)}, nil
}

func (c *Codec) aead() (cipher.AEAD, error) {
	buf, err := c.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master key: %w", err)
	}
	defer buf.Destroy()

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt は呼び出しごとに新しいIVを生成して暗号化する。
// 戻り値の暗号文には16バイトの認証タグが末尾に付与される。
func (c *Codec) Encrypt(plaintext []byte) (ciphertext, iv []byte, err error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generating iv: %w", err)
	}
	return gcm.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt は暗号文を復号する。改ざん・鍵不一致の場合は domain.ErrDecryptFailed を返す。
func (c *Codec) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: invalid iv length %d", domain.ErrDecryptFailed, len(iv))
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptFailed, err)
	}
	return plaintext, nil
}

package infra

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ErrKMSIntegrity はKMSとの通信でデータが破損した可能性がある場合のエラー。
var ErrKMSIntegrity = errors.New("KMS response failed integrity check")

// keyManagementAPI はKMSClientが使用するCloud KMS APIのサブセット。
type keyManagementAPI interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest, opts ...gax.CallOption) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
	Close() error
}

// KMSClient はCloud KMSクライアントをラップする。
// マスターキーのラップ・アンラップにのみ使用し、送受信データはCRC32Cで検証する。
type KMSClient struct {
	client  keyManagementAPI
	keyName string
}

// NewKMSClient は指定されたキー名でKMSClientを生成する。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return newKMSClient(client, keyName), nil
}

func newKMSClient(client keyManagementAPI, keyName string) *KMSClient {
	return &KMSClient{client: client, keyName: keyName}
}

// Encrypt はマスターキーをCloud KMSでラップする。
func (c *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	resp, err := c.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:            c.keyName,
		Plaintext:       plaintext,
		PlaintextCrc32C: wrapperspb.Int64(crc32c(plaintext)),
	})
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}

	switch {
	case !resp.GetVerifiedPlaintextCrc32C():
		return nil, fmt.Errorf("wrapping key: request corrupted in transit: %w", ErrKMSIntegrity)
	case resp.GetName() != c.keyName:
		return nil, fmt.Errorf("wrapping key: unexpected key %q: %w", resp.GetName(), ErrKMSIntegrity)
	case !crc32cMatches(resp.GetCiphertext(), resp.GetCiphertextCrc32C()):
		return nil, fmt.Errorf("wrapping key: response corrupted in transit: %w", ErrKMSIntegrity)
	}
	return resp.GetCiphertext(), nil
}

// Decrypt はラップされたマスターキーをCloud KMSで復号する。
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	resp, err := c.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:             c.keyName,
		Ciphertext:       ciphertext,
		CiphertextCrc32C: wrapperspb.Int64(crc32c(ciphertext)),
	})
	if err != nil {
		return nil, fmt.Errorf("unwrapping key: %w", err)
	}
	if !crc32cMatches(resp.GetPlaintext(), resp.GetPlaintextCrc32C()) {
		return nil, fmt.Errorf("unwrapping key: response corrupted in transit: %w", ErrKMSIntegrity)
	}
	return resp.GetPlaintext(), nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func crc32c(data []byte) int64 {
	return int64(crc32.Checksum(data, castagnoli))
}

// crc32cMatches はチェックサムが存在し、データと一致するかを返す。
func crc32cMatches(data []byte, sum *wrapperspb.Int64Value) bool {
	return sum != nil && sum.GetValue() == crc32c(data)
}

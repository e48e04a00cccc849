package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"digital-certificate-service/internal/infra"
)

// keygenCmd は証明書暗号化用のマスターキーを生成する。
// --kms-key-name 指定時はCloud KMSでラップしたBase64を出力し、CERT_ENCRYPTION_KEY にそのまま設定できる。
func keygenCmd() *cobra.Command {
	var kmsKeyName string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a master key for certificate encryption",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			defer memguard.WipeBytes(key)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("generating key: %w", err)
			}

			if kmsKeyName == "" {
				kmsKeyName = os.Getenv("KMS_KEY_NAME")
			}
			if kmsKeyName == "" {
				fmt.Println(hex.EncodeToString(key))
				return nil
			}

			ctx := context.Background()
			client, err := infra.NewKMSClient(ctx, kmsKeyName)
			if err != nil {
				return err
			}
			defer client.Close()

			wrapped, err := client.Encrypt(ctx, key)
			if err != nil {
				return err
			}
			fmt.Println(base64.StdEncoding.EncodeToString(wrapped))
			return nil
		},
	}
	cmd.Flags().StringVar(&kmsKeyName, "kms-key-name", "", "Cloud KMS key to wrap the generated key (or set KMS_KEY_NAME)")
	return cmd
}

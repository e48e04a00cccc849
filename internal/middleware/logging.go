// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// 操作結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteOperationLog は証明書操作の監査ログを出力する。
// 証明書の内容やパスフレーズは出力しない。
func WriteOperationLog(ctx context.Context, operation, tenantID, certificateID, result string) {
	level := slog.LevelInfo
	if result != ResultSuccess {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "certificate operation completed",
		"operation", operation,
		"tenant_id", tenantID,
		"certificate_id", certificateID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}

package domain

import "time"

// LogAction は証明書ログの操作種別。
type LogAction string

const (
	LogActionCreated  LogAction = "CREATED"
	LogActionEnabled  LogAction = "ENABLED"
	LogActionDisabled LogAction = "DISABLED"
	LogActionTested   LogAction = "TESTED"
)

// ログメッセージ。
const (
	LogMessageCreated             = "Certificate added by user."
	LogMessageEnabledOnUpload     = "Certificate activated for integrations."
	LogMessageDisabledByUpload    = "Disabled automatically when a new certificate was uploaded."
	LogMessageDisabledBySwap      = "Disabled when another certificate was activated."
	LogMessageActivatedManually   = "Certificate activated manually."
	LogMessageDeactivatedManually = "Certificate deactivated manually."
)

// LogEntry は証明書の状態遷移を記録する不変のログ。
type LogEntry struct {
	ID            string
	TenantID      string
	CertificateID string
	Action        LogAction
	ActorID       string
	Message       string
	CreatedAt     time.Time
}

// LogPage はログ一覧の1ページ分。
type LogPage struct {
	Items      []*LogEntry
	NextCursor string
}

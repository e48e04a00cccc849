package domain

import (
	"context"
	"time"
)

// CertificateStore は証明書とその操作ログの永続化を提供する。
// 見つからない場合は (nil, nil) を返す。
type CertificateStore interface {
	FindByID(ctx context.Context, tenantID, id string) (*Certificate, error)
	// FindByIDForUpdate は証明書を行ロック付きで取得する。トランザクション内で使用する。
	FindByIDForUpdate(ctx context.Context, tenantID, id string) (*Certificate, error)
	FindAllByTenantID(ctx context.Context, tenantID string, scopes []Scope) ([]*Certificate, error)
	FindAllByOwner(ctx context.Context, tenantID, ownerID string) ([]*Certificate, error)
	// FindActiveInGroup はグループ内の有効な証明書を行ロック付きで取得する。
	FindActiveInGroup(ctx context.Context, group GroupKey, excludeID string) ([]*Certificate, error)
	Create(ctx context.Context, cert *Certificate) error
	SetActive(ctx context.Context, cert *Certificate, active bool, at time.Time) error
	RecordTest(ctx context.Context, cert *Certificate, validatedAt time.Time, usedAt *time.Time) error

	CreateLog(ctx context.Context, entry *LogEntry) error
	FindLogByID(ctx context.Context, tenantID, certificateID, id string) (*LogEntry, error)
	// FindLogs は after より古いログを created_at, id の降順で最大 limit 件返す。
	FindLogs(ctx context.Context, tenantID, certificateID string, after *LogEntry, limit int) ([]*LogEntry, error)

	// WithinTransaction は fn を1つのトランザクション内で実行する。
	// fn がエラーを返した場合はすべての書き込みがロールバックされる。
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx CertificateStore) error) error
}

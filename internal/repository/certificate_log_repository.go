package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"digital-certificate-service/internal/domain"
)

// CertificateLogModel は certificate_logs テーブルのモデル。
type CertificateLogModel struct {
	ID            string    `gorm:"type:char(36);primaryKey"`
	TenantID      string    `gorm:"type:varchar(64);not null"`
	CertificateID string    `gorm:"type:char(36);not null"`
	Action        string    `gorm:"type:varchar(16);not null"`
	ActorID       string    `gorm:"type:varchar(64);not null"`
	Message       string    `gorm:"type:text;not null"`
	CreatedAt     time.Time `gorm:"type:datetime(6);not null"`
}

// TableName はテーブル名を返す。
func (CertificateLogModel) TableName() string {
	return "certificate_logs"
}

// BeforeCreate は時刻順に並ぶUUIDv7を生成する。
// 同一時刻のログはIDの降順でページングの順序を決める。
func (l *CertificateLogModel) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating log id: %w", err)
		}
		l.ID = id.String()
	}
	return nil
}

func (l *CertificateLogModel) toDomain() *domain.LogEntry {
	return &domain.LogEntry{
		ID:            l.ID,
		TenantID:      l.TenantID,
		CertificateID: l.CertificateID,
		Action:        domain.LogAction(l.Action),
		ActorID:       l.ActorID,
		Message:       l.Message,
		CreatedAt:     l.CreatedAt.UTC(),
	}
}

// CreateLog は操作ログを追記する。
func (r *CertificateRepository) CreateLog(ctx context.Context, entry *domain.LogEntry) error {
	model := &CertificateLogModel{
		ID:            entry.ID,
		TenantID:      entry.TenantID,
		CertificateID: entry.CertificateID,
		Action:        string(entry.Action),
		ActorID:       entry.ActorID,
		Message:       entry.Message,
		CreatedAt:     entry.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create certificate log",
			"operation", "create_log",
			"tenant_id", entry.TenantID,
			"certificate_id", entry.CertificateID,
			"action", entry.Action,
			"error", err,
		)
		return err
	}
	entry.ID = model.ID
	return nil
}

// FindLogByID はカーソルとして指定されたログを取得する。
func (r *CertificateRepository) FindLogByID(ctx context.Context, tenantID, certificateID, id string) (*domain.LogEntry, error) {
	var model CertificateLogModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND certificate_id = ? AND id = ?", tenantID, certificateID, id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find certificate log",
			"operation", "find_log_by_id",
			"tenant_id", tenantID,
			"certificate_id", certificateID,
			"log_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindLogs はキーセット方式でログを新しい順に取得する。
// after が指定された場合は (created_at, id) がそれより小さい行のみ返す。
func (r *CertificateRepository) FindLogs(ctx context.Context, tenantID, certificateID string, after *domain.LogEntry, limit int) ([]*domain.LogEntry, error) {
	q := r.db.WithContext(ctx).
		Where("tenant_id = ? AND certificate_id = ?", tenantID, certificateID)
	if after != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}

	var models []CertificateLogModel
	err := q.Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find certificate logs",
			"operation", "find_logs",
			"tenant_id", tenantID,
			"certificate_id", certificateID,
			"error", err,
		)
		return nil, err
	}

	entries := make([]*domain.LogEntry, len(models))
	for i := range models {
		entries[i] = models[i].toDomain()
	}
	return entries, nil
}

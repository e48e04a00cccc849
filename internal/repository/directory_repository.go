package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"digital-certificate-service/internal/domain"
)

// TenantSettingModel は tenant_settings テーブルのモデル。
// テナント設定は別システムが管理し、本サービスは参照のみ行う。
type TenantSettingModel struct {
	TenantID          string    `gorm:"type:varchar(64);primaryKey"`
	CertificatePolicy string    `gorm:"type:varchar(16);not null;default:'OFFICE'"`
	UpdatedAt         time.Time `gorm:"type:datetime(6);not null"`
}

// TableName はテーブル名を返す。
func (TenantSettingModel) TableName() string {
	return "tenant_settings"
}

// LawyerModel は lawyers テーブルのモデル。
type LawyerModel struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	TenantID  string    `gorm:"type:varchar(64);not null"`
	UserID    string    `gorm:"type:varchar(64);not null"`
	CreatedAt time.Time `gorm:"type:datetime(6);not null"`
}

// TableName はテーブル名を返す。
func (LawyerModel) TableName() string {
	return "lawyers"
}

// DirectoryRepository はテナント設定と弁護士登録を参照する。
type DirectoryRepository struct {
	db *gorm.DB
}

// NewDirectoryRepository は新しいDirectoryRepositoryを生成する。
func NewDirectoryRepository(db *gorm.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// FindCertificatePolicy はテナントの証明書ポリシーを取得する。
// 設定が存在しない場合はOFFICEを返す。
func (r *DirectoryRepository) FindCertificatePolicy(ctx context.Context, tenantID string) (domain.Policy, error) {
	var model TenantSettingModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.PolicyOffice, nil
		}
		slog.ErrorContext(ctx, "failed to find certificate policy",
			"operation", "find_certificate_policy",
			"tenant_id", tenantID,
			"error", err,
		)
		return "", err
	}
	return domain.ParsePolicy(model.CertificatePolicy), nil
}

// IsLawyer はユーザーがテナントに登録された弁護士かどうかを返す。
func (r *DirectoryRepository) IsLawyer(ctx context.Context, tenantID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&LawyerModel{}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count lawyers",
			"operation", "is_lawyer",
			"tenant_id", tenantID,
			"user_id", userID,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

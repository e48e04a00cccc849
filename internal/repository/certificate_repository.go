// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"digital-certificate-service/internal/domain"
)

// CertificateModel はgorm用のモデル定義。
type CertificateModel struct {
	ID                  string     `gorm:"type:char(36);primaryKey"`
	TenantID            string     `gorm:"type:varchar(64);not null"`
	OwnerID             *string    `gorm:"type:varchar(64)"`
	Type                string     `gorm:"type:varchar(16);not null"`
	Scope               string     `gorm:"type:varchar(16);not null"`
	Label               string     `gorm:"type:varchar(255);not null;default:''"`
	EncryptedData       []byte     `gorm:"not null"`
	DataIV              []byte     `gorm:"column:data_iv;not null"`
	EncryptedPassphrase []byte     `gorm:"not null"`
	PassphraseIV        []byte     `gorm:"column:passphrase_iv;not null"`
	IsActive            bool       `gorm:"not null;default:false"`
	ActiveGroupKey      *string    `gorm:"type:varchar(200)"`
	ValidUntil          *time.Time `gorm:"type:datetime(6)"`
	LastValidatedAt     *time.Time `gorm:"type:datetime(6)"`
	LastUsedAt          *time.Time `gorm:"type:datetime(6)"`
	CreatedAt           time.Time  `gorm:"type:datetime(6);not null"`
	UpdatedAt           time.Time  `gorm:"type:datetime(6);not null"`
}

// TableName はテーブル名を返す。
func (CertificateModel) TableName() string {
	return "certificates"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (c *CertificateModel) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (c *CertificateModel) toDomain() *domain.Certificate {
	cert := &domain.Certificate{
		ID:                  c.ID,
		TenantID:            c.TenantID,
		Type:                domain.CertificateType(c.Type),
		Scope:               domain.Scope(c.Scope),
		Label:               c.Label,
		EncryptedData:       c.EncryptedData,
		DataIV:              c.DataIV,
		EncryptedPassphrase: c.EncryptedPassphrase,
		PassphraseIV:        c.PassphraseIV,
		IsActive:            c.IsActive,
		ValidUntil:          utcPtr(c.ValidUntil),
		LastValidatedAt:     utcPtr(c.LastValidatedAt),
		LastUsedAt:          utcPtr(c.LastUsedAt),
		CreatedAt:           c.CreatedAt.UTC(),
		UpdatedAt:           c.UpdatedAt.UTC(),
	}
	if c.OwnerID != nil {
		cert.OwnerID = *c.OwnerID
	}
	return cert
}

func newCertificateModel(cert *domain.Certificate) *CertificateModel {
	m := &CertificateModel{
		ID:                  cert.ID,
		TenantID:            cert.TenantID,
		Type:                string(cert.Type),
		Scope:               string(cert.Scope),
		Label:               cert.Label,
		EncryptedData:       cert.EncryptedData,
		DataIV:              cert.DataIV,
		EncryptedPassphrase: cert.EncryptedPassphrase,
		PassphraseIV:        cert.PassphraseIV,
		IsActive:            cert.IsActive,
		ActiveGroupKey:      activeGroupKey(cert.GroupKey(), cert.IsActive),
		ValidUntil:          cert.ValidUntil,
		LastValidatedAt:     cert.LastValidatedAt,
		LastUsedAt:          cert.LastUsedAt,
		CreatedAt:           cert.CreatedAt,
		UpdatedAt:           cert.UpdatedAt,
	}
	if cert.OwnerID != "" {
		owner := cert.OwnerID
		m.OwnerID = &owner
	}
	return m
}

// activeGroupKey は有効な証明書のみグループキーを持たせる。
// ユニークインデックスにより同一グループで2件が有効になることを防ぐ。
func activeGroupKey(g domain.GroupKey, active bool) *string {
	if !active {
		return nil
	}
	key := g.String()
	return &key
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CertificateRepository は証明書と操作ログのデータアクセスを提供する。
type CertificateRepository struct {
	db *gorm.DB
}

// NewCertificateRepository は新しいCertificateRepositoryを生成する。
func NewCertificateRepository(db *gorm.DB) *CertificateRepository {
	return &CertificateRepository{db: db}
}

// WithinTransaction は fn をトランザクション内で実行する。
func (r *CertificateRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx domain.CertificateStore) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &CertificateRepository{db: tx})
	})
}

// FindByID は指定テナントの証明書を取得する。
func (r *CertificateRepository) FindByID(ctx context.Context, tenantID, id string) (*domain.Certificate, error) {
	var model CertificateModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find certificate",
			"operation", "find_by_id",
			"tenant_id", tenantID,
			"certificate_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindByIDForUpdate は指定テナントの証明書を SELECT ... FOR UPDATE で取得する。
func (r *CertificateRepository) FindByIDForUpdate(ctx context.Context, tenantID, id string) (*domain.Certificate, error) {
	var model CertificateModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find certificate for update",
			"operation", "find_by_id_for_update",
			"tenant_id", tenantID,
			"certificate_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindAllByTenantID は指定スコープの証明書を有効なもの優先・作成日時の新しい順で取得する。
func (r *CertificateRepository) FindAllByTenantID(ctx context.Context, tenantID string, scopes []domain.Scope) ([]*domain.Certificate, error) {
	if len(scopes) == 0 {
		return []*domain.Certificate{}, nil
	}
	values := make([]string, len(scopes))
	for i, s := range scopes {
		values[i] = string(s)
	}

	var models []CertificateModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND scope IN ?", tenantID, values).
		Order("is_active DESC").
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find certificates by tenant_id",
			"operation", "find_all_by_tenant_id",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}
	return toDomainList(models), nil
}

// FindAllByOwner は指定ユーザーが所有するLAWYERスコープの証明書を取得する。
func (r *CertificateRepository) FindAllByOwner(ctx context.Context, tenantID, ownerID string) ([]*domain.Certificate, error) {
	var models []CertificateModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND owner_id = ? AND scope = ?", tenantID, ownerID, string(domain.ScopeLawyer)).
		Order("is_active DESC").
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find certificates by owner",
			"operation", "find_all_by_owner",
			"tenant_id", tenantID,
			"owner_id", ownerID,
			"error", err,
		)
		return nil, err
	}
	return toDomainList(models), nil
}

// FindActiveInGroup はグループ内の有効な証明書を SELECT ... FOR UPDATE で取得する。
// SQLiteではロック句は無視され、トランザクション自体が書き込みを直列化する。
func (r *CertificateRepository) FindActiveInGroup(ctx context.Context, group domain.GroupKey, excludeID string) ([]*domain.Certificate, error) {
	q := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND type = ? AND scope = ? AND is_active = ?",
			group.TenantID, string(group.Type), string(group.Scope), true)
	if group.Scope == domain.ScopeLawyer {
		q = q.Where("owner_id = ?", group.OwnerID)
	}
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}

	var models []CertificateModel
	if err := q.Order("created_at ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find active certificates in group",
			"operation", "find_active_in_group",
			"tenant_id", group.TenantID,
			"group", group.String(),
			"error", err,
		)
		return nil, err
	}
	return toDomainList(models), nil
}

// Create は新しい証明書を保存する。
func (r *CertificateRepository) Create(ctx context.Context, cert *domain.Certificate) error {
	model := newCertificateModel(cert)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create certificate",
			"operation", "create",
			"tenant_id", cert.TenantID,
			"type", cert.Type,
			"scope", cert.Scope,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	cert.ID = model.ID
	return nil
}

// SetActive は有効フラグとグループキーを更新する。
func (r *CertificateRepository) SetActive(ctx context.Context, cert *domain.Certificate, active bool, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&CertificateModel{}).
		Where("tenant_id = ? AND id = ?", cert.TenantID, cert.ID).
		Updates(map[string]interface{}{
			"is_active":        active,
			"active_group_key": activeGroupKey(cert.GroupKey(), active),
			"updated_at":       at,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update certificate activation",
			"operation", "set_active",
			"tenant_id", cert.TenantID,
			"certificate_id", cert.ID,
			"active", active,
			"error", err,
		)
		return err
	}
	cert.IsActive = active
	cert.UpdatedAt = at
	return nil
}

// RecordTest はテスト成功時刻（および疎通確認に使用した時刻）を記録する。
func (r *CertificateRepository) RecordTest(ctx context.Context, cert *domain.Certificate, validatedAt time.Time, usedAt *time.Time) error {
	updates := map[string]interface{}{
		"last_validated_at": validatedAt,
		"updated_at":        validatedAt,
	}
	if usedAt != nil {
		updates["last_used_at"] = *usedAt
	}
	err := r.db.WithContext(ctx).
		Model(&CertificateModel{}).
		Where("tenant_id = ? AND id = ?", cert.TenantID, cert.ID).
		Updates(updates).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to record certificate test",
			"operation", "record_test",
			"tenant_id", cert.TenantID,
			"certificate_id", cert.ID,
			"error", err,
		)
		return err
	}
	cert.LastValidatedAt = &validatedAt
	cert.UpdatedAt = validatedAt
	if usedAt != nil {
		cert.LastUsedAt = usedAt
	}
	return nil
}

func toDomainList(models []CertificateModel) []*domain.Certificate {
	certs := make([]*domain.Certificate, len(models))
	for i := range models {
		certs[i] = models[i].toDomain()
	}
	return certs
}

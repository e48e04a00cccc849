// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"strings"
	"time"
)

// MaxBundleSize はアップロード可能なPKCS#12バンドルの最大サイズ（2 MiB）。
const MaxBundleSize = 2 * 1024 * 1024

// DefaultLogPageSize はログ一覧のデフォルト件数。
const DefaultLogPageSize = 20

// MaxLogPageSize はログ一覧の最大件数。
const MaxLogPageSize = 100

// Scope は証明書の所有範囲を表す。
type Scope string

const (
	// ScopeOffice は事務所全体で共有される証明書。
	ScopeOffice Scope = "OFFICE"
	// ScopeLawyer は弁護士個人に紐づく証明書。
	ScopeLawyer Scope = "LAWYER"
)

// Valid は定義済みのスコープかどうかを返す。
func (s Scope) Valid() bool {
	switch s {
	case ScopeOffice, ScopeLawyer:
		return true
	default:
		return false
	}
}

// CertificateType は証明書の接続先システムを表す。
type CertificateType string

const (
	CertificateTypePJE     CertificateType = "PJE"
	CertificateTypeEPROC   CertificateType = "EPROC"
	CertificateTypePROJUDI CertificateType = "PROJUDI"
	CertificateTypeESAJ    CertificateType = "ESAJ"
)

// Valid は定義済みの種別かどうかを返す。
func (t CertificateType) Valid() bool {
	switch t {
	case CertificateTypePJE, CertificateTypeEPROC, CertificateTypePROJUDI, CertificateTypeESAJ:
		return true
	default:
		return false
	}
}

// RequiresConnectivityProbe はテスト時に外部システムとのmTLS疎通確認が必要かどうかを返す。
func (t CertificateType) RequiresConnectivityProbe() bool {
	switch t {
	case CertificateTypePJE:
		return true
	case CertificateTypeEPROC, CertificateTypePROJUDI, CertificateTypeESAJ:
		return false
	default:
		return false
	}
}

// Certificate はデジタル証明書エンティティを表す。
// EncryptedData と EncryptedPassphrase は暗号化済みの値のみを保持する。
type Certificate struct {
	ID                  string
	TenantID            string
	OwnerID             string // LAWYERスコープのみ。OFFICEスコープでは空
	Type                CertificateType
	Scope               Scope
	Label               string
	EncryptedData       []byte
	DataIV              []byte
	EncryptedPassphrase []byte
	PassphraseIV        []byte
	IsActive            bool
	ValidUntil          *time.Time
	LastValidatedAt     *time.Time
	LastUsedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// GroupKey は「有効な証明書は1つまで」が適用される単位。
type GroupKey struct {
	TenantID string
	Type     CertificateType
	Scope    Scope
	OwnerID  string
}

// String はユニークインデックス用に正規化したキーを返す。
func (g GroupKey) String() string {
	owner := ""
	if g.Scope == ScopeLawyer {
		owner = g.OwnerID
	}
	return strings.Join([]string{g.TenantID, string(g.Type), string(g.Scope), owner}, ":")
}

// GroupKey は証明書が属するグループを返す。
func (c *Certificate) GroupKey() GroupKey {
	g := GroupKey{
		TenantID: c.TenantID,
		Type:     c.Type,
		Scope:    c.Scope,
	}
	if c.Scope == ScopeLawyer {
		g.OwnerID = c.OwnerID
	}
	return g
}

// View は暗号化済みデータを除いた表示用の値を返す。
func (c *Certificate) View() *CertificateView {
	return &CertificateView{
		ID:              c.ID,
		TenantID:        c.TenantID,
		OwnerID:         c.OwnerID,
		Type:            c.Type,
		Scope:           c.Scope,
		Label:           c.Label,
		IsActive:        c.IsActive,
		ValidUntil:      c.ValidUntil,
		LastValidatedAt: c.LastValidatedAt,
		LastUsedAt:      c.LastUsedAt,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

// CertificateView は呼び出し元に返す証明書情報（暗号化データ・IV・パスフレーズを含まない）。
type CertificateView struct {
	ID              string
	TenantID        string
	OwnerID         string
	Type            CertificateType
	Scope           Scope
	Label           string
	IsActive        bool
	ValidUntil      *time.Time
	LastValidatedAt *time.Time
	LastUsedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActivationResult は有効化・無効化の結果。
type ActivationResult struct {
	ID        string
	IsActive  bool
	UpdatedAt time.Time
}

// TestResult は証明書テストの結果。
type TestResult struct {
	Message string
}

// UploadInput は証明書アップロードの入力。
type UploadInput struct {
	Bundle     []byte
	Passphrase string
	Label      string
	Type       CertificateType
	Scope      Scope
	ValidUntil *time.Time
	Activate   bool
}

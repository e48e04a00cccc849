// Package access は証明書操作のアクセス制御を提供する。
package access

import (
	"context"
	"fmt"

	"digital-certificate-service/internal/domain"
)

// LawyerDirectory はテナントに登録された弁護士を照会するインターフェース。
type LawyerDirectory interface {
	IsLawyer(ctx context.Context, tenantID, userID string) (bool, error)
}

// Guard はポリシー・ロール・所有者に基づいて操作可否を判定する。
type Guard struct {
	lawyers LawyerDirectory
}

// NewGuard は新しいGuardを生成する。
func NewGuard(lawyers LawyerDirectory) *Guard {
	return &Guard{lawyers: lawyers}
}

// CanUpload はアクターが指定スコープの証明書をアップロードできるか判定する。
// LAWYERスコープの所有者はアクター自身となる。
func (g *Guard) CanUpload(ctx context.Context, actor *domain.Actor, scope domain.Scope, policy domain.Policy) error {
	return g.check(ctx, actor, scope, actor.UserID, policy)
}

// CanAccess はアクターが既存の証明書を操作できるか判定する。
func (g *Guard) CanAccess(ctx context.Context, actor *domain.Actor, cert *domain.Certificate, policy domain.Policy) error {
	return g.check(ctx, actor, cert.Scope, cert.OwnerID, policy)
}

// Visible は一覧に表示してよい証明書かどうかを返す。
// ポリシーが許可しないスコープは表示せず、LAWYERスコープは所有者とスーパーロールのみ表示する。
func (g *Guard) Visible(actor *domain.Actor, cert *domain.Certificate, policy domain.Policy) bool {
	if !domain.ScopeAllowed(policy, cert.Scope) {
		return false
	}
	if cert.Scope == domain.ScopeLawyer && !actor.IsSuper() {
		return cert.OwnerID == actor.UserID
	}
	return true
}

// check は次の順で判定する。
//  1. ポリシーがスコープを許可しない場合はロールに関わらず拒否
//  2. OFFICE: 事務所設定の管理権限またはスーパーロールが必要
//  3. LAWYER: スーパーロールは常に許可。それ以外は所有者本人かつ登録弁護士であること
func (g *Guard) check(ctx context.Context, actor *domain.Actor, scope domain.Scope, ownerID string, policy domain.Policy) error {
	if !domain.ScopeAllowed(policy, scope) {
		return domain.Deny(domain.DenialPolicyViolation)
	}

	switch scope {
	case domain.ScopeOffice:
		if actor.IsSuper() || actor.Has(domain.PermissionManageOfficeSettings) {
			return nil
		}
		return domain.Deny(domain.DenialRoleMismatch)
	case domain.ScopeLawyer:
		if actor.IsSuper() {
			return nil
		}
		if ownerID == "" || ownerID != actor.UserID {
			return domain.Deny(domain.DenialOwnershipMismatch)
		}
		ok, err := g.lawyers.IsLawyer(ctx, actor.TenantID, actor.UserID)
		if err != nil {
			return fmt.Errorf("checking lawyer registration: %w", err)
		}
		if !ok {
			return domain.Deny(domain.DenialRoleMismatch)
		}
		return nil
	default:
		return domain.InvalidField("scope")
	}
}

package domain

import "strings"

// Role はユーザーのロール。
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleLawyer     Role = "LAWYER"
	RoleSecretary  Role = "SECRETARY"
	RoleFinance    Role = "FINANCE"
	RoleClient     Role = "CLIENT"
)

// Roles は定義済みの全ロール。
var Roles = []Role{RoleSuperAdmin, RoleAdmin, RoleLawyer, RoleSecretary, RoleFinance, RoleClient}

// ParseRole は文字列をRoleに変換する。未知の値はfalseを返す。
func ParseRole(v string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(v)))
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleLawyer, RoleSecretary, RoleFinance, RoleClient:
		return r, true
	default:
		return "", false
	}
}

// IsSuper は所有者チェックを免除されるロールかどうかを返す。
func (r Role) IsSuper() bool {
	switch r {
	case RoleSuperAdmin:
		return true
	case RoleAdmin, RoleLawyer, RoleSecretary, RoleFinance, RoleClient:
		return false
	default:
		return false
	}
}

// Permission は証明書管理に関わる権限。
type Permission string

const (
	// PermissionManageOfficeSettings は事務所設定（OFFICEスコープ証明書を含む）の管理権限。
	PermissionManageOfficeSettings Permission = "office-settings:manage"
)

// Permissions は定義済みの全権限。
var Permissions = []Permission{PermissionManageOfficeSettings}

// ParsePermission は文字列をPermissionに変換する。
func ParsePermission(v string) (Permission, bool) {
	switch p := Permission(strings.TrimSpace(v)); p {
	case PermissionManageOfficeSettings:
		return p, true
	default:
		return "", false
	}
}

// Actor は操作を行うユーザーのコンテキスト。
type Actor struct {
	TenantID    string
	UserID      string
	Role        Role
	Permissions []Permission
}

// IsSuper はスーパーロールかどうかを返す。
func (a *Actor) IsSuper() bool {
	return a.Role.IsSuper()
}

// Has は権限を保持しているかどうかを返す。
func (a *Actor) Has(p Permission) bool {
	for _, held := range a.Permissions {
		if held == p {
			return true
		}
	}
	return false
}

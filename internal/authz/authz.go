// Package authz はロールから権限集合を解決する。
package authz

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"

	"digital-certificate-service/internal/domain"
)

//go:embed model.conf
var modelText string

//go:embed policy.csv
var defaultPolicy string

// Resolver はcasbinのポリシーに基づいてロールの権限を展開する。
type Resolver struct {
	enforcer *casbin.Enforcer
}

// NewResolver は組み込みポリシーでResolverを生成する。
// policyPath が指定された場合はそのCSVファイルを使用する。
func NewResolver(policyPath string) (*Resolver, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("loading authz model: %w", err)
	}

	var enforcer *casbin.Enforcer
	if policyPath != "" {
		enforcer, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		enforcer, err = casbin.NewEnforcer(m, stringadapter.NewAdapter(defaultPolicy))
	}
	if err != nil {
		return nil, fmt.Errorf("creating enforcer: %w", err)
	}
	return &Resolver{enforcer: enforcer}, nil
}

// subject はロールをcasbinのサブジェクトに変換する。
func subject(role domain.Role) string {
	return "role:" + strings.ToLower(string(role))
}

// object はPermissionを (object, action) に分解する。
func object(p domain.Permission) (string, string) {
	obj, act, _ := strings.Cut(string(p), ":")
	return obj, act
}

// PermissionsFor はロールが保持する権限を返す。
func (r *Resolver) PermissionsFor(role domain.Role) ([]domain.Permission, error) {
	var granted []domain.Permission
	for _, p := range domain.Permissions {
		obj, act := object(p)
		ok, err := r.enforcer.Enforce(subject(role), obj, act)
		if err != nil {
			return nil, fmt.Errorf("enforcing %s for %s: %w", p, role, err)
		}
		if ok {
			granted = append(granted, p)
		}
	}
	return granted, nil
}

package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"digital-certificate-service/internal/domain"
	"digital-certificate-service/pkg/httputil"
)

// ゲートウェイが付与するアクター情報のヘッダー。
const (
	HeaderTenantID    = "X-Tenant-ID"
	HeaderUserID      = "X-User-ID"
	HeaderUserRole    = "X-User-Role"
	HeaderPermissions = "X-User-Permissions"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// PermissionResolver はロールが持つ権限を解決するインターフェース。
type PermissionResolver interface {
	PermissionsFor(role domain.Role) ([]domain.Permission, error)
}

type actorKey struct{}

// WithActor はアクターをコンテキストに格納する。
func WithActor(ctx context.Context, actor *domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom はコンテキストからアクターを取り出す。
func ActorFrom(ctx context.Context) *domain.Actor {
	actor, _ := ctx.Value(actorKey{}).(*domain.Actor)
	return actor
}

func validID(id string) bool {
	return id != "" && len(id) <= 64 && idRegex.MatchString(id)
}

// Actor はヘッダーからアクターを組み立ててコンテキストに格納する。
// テナントまたはユーザーが無い場合は401を返す。
// X-User-Permissions が無い場合はロールから権限を解決する。
func Actor(resolver PermissionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID))
			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if tenantID == "" || userID == "" {
				httputil.Error(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", domain.UserMessage(domain.ErrAuthenticationRequired))
				return
			}
			if !validID(tenantID) || !validID(userID) {
				httputil.Error(w, http.StatusBadRequest, "INVALID_ACTOR", "invalid tenant or user ID format")
				return
			}

			actor := &domain.Actor{TenantID: tenantID, UserID: userID}

			if raw := r.Header.Get(HeaderUserRole); raw != "" {
				role, ok := domain.ParseRole(raw)
				if !ok {
					httputil.Error(w, http.StatusBadRequest, "INVALID_ACTOR", "unknown user role")
					return
				}
				actor.Role = role
			}

			if raw, ok := r.Header[http.CanonicalHeaderKey(HeaderPermissions)]; ok {
				actor.Permissions = parsePermissions(strings.Join(raw, ","))
			} else if actor.Role != "" {
				perms, err := resolver.PermissionsFor(actor.Role)
				if err != nil {
					slog.ErrorContext(r.Context(), "failed to resolve permissions",
						"operation", "resolve_permissions",
						"role", actor.Role,
						"error", err,
					)
					httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
					return
				}
				actor.Permissions = perms
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// parsePermissions はカンマ区切りの権限を解析する。未知の権限は無視する。
func parsePermissions(raw string) []domain.Permission {
	var perms []domain.Permission
	for _, part := range strings.Split(raw, ",") {
		if p, ok := domain.ParsePermission(strings.TrimSpace(part)); ok {
			perms = append(perms, p)
		}
	}
	return perms
}

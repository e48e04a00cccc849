// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"

	"digital-certificate-service/internal/domain"
	"digital-certificate-service/internal/middleware"
	"digital-certificate-service/pkg/httputil"
)

// multipartOverhead はバンドル以外のフォーム項目に許容するサイズ。
const multipartOverhead = 1 << 20

// CertificateService はハンドラが利用する証明書ライフサイクルの操作。
type CertificateService interface {
	Upload(ctx context.Context, actor *domain.Actor, in domain.UploadInput) (*domain.CertificateView, error)
	Activate(ctx context.Context, actor *domain.Actor, id string) (*domain.ActivationResult, error)
	Deactivate(ctx context.Context, actor *domain.Actor, id string) (*domain.ActivationResult, error)
	Test(ctx context.Context, actor *domain.Actor, id string) (*domain.TestResult, error)
	List(ctx context.Context, actor *domain.Actor) ([]*domain.CertificateView, error)
	ListMine(ctx context.Context, actor *domain.Actor) ([]*domain.CertificateView, error)
	ListLogs(ctx context.Context, actor *domain.Actor, id, cursor string, pageSize int) (*domain.LogPage, error)
	GetPolicy(ctx context.Context, actor *domain.Actor) (domain.Policy, error)
}

// CertificateHandler は証明書APIのHTTPハンドラ。
type CertificateHandler struct {
	service CertificateService
}

// NewCertificateHandler は新しいCertificateHandlerを生成する。
func NewCertificateHandler(service CertificateService) *CertificateHandler {
	return &CertificateHandler{service: service}
}

// CertificateResponse は証明書のレスポンス形式。暗号化データ・パスフレーズは含まない。
type CertificateResponse struct {
	ID              string  `json:"id"`
	TenantID        string  `json:"tenant_id"`
	OwnerID         string  `json:"owner_id,omitempty"`
	Type            string  `json:"type"`
	Scope           string  `json:"scope"`
	Label           string  `json:"label"`
	IsActive        bool    `json:"is_active"`
	ValidUntil      *string `json:"valid_until"`
	LastValidatedAt *string `json:"last_validated_at"`
	LastUsedAt      *string `json:"last_used_at"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// CertificateListResponse は証明書一覧のレスポンス形式。
type CertificateListResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
}

// PolicyResponse はポリシーのレスポンス形式。
type PolicyResponse struct {
	Policy        string   `json:"policy"`
	AllowedScopes []string `json:"allowed_scopes"`
}

// ActivationResponse は有効化・無効化のレスポンス形式。
type ActivationResponse struct {
	ID        string `json:"id"`
	IsActive  bool   `json:"is_active"`
	UpdatedAt string `json:"updated_at"`
}

// TestResponse はテスト結果のレスポンス形式。
type TestResponse struct {
	Message string `json:"message"`
}

// LogResponse は操作ログのレスポンス形式。
type LogResponse struct {
	ID            string `json:"id"`
	CertificateID string `json:"certificate_id"`
	Action        string `json:"action"`
	ActorID       string `json:"actor_id"`
	Message       string `json:"message"`
	CreatedAt     string `json:"created_at"`
}

// LogPageResponse はログ一覧のレスポンス形式。
type LogPageResponse struct {
	Items      []LogResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toCertificateResponse(v *domain.CertificateView) CertificateResponse {
	return CertificateResponse{
		ID:              v.ID,
		TenantID:        v.TenantID,
		OwnerID:         v.OwnerID,
		Type:            string(v.Type),
		Scope:           string(v.Scope),
		Label:           v.Label,
		IsActive:        v.IsActive,
		ValidUntil:      formatTime(v.ValidUntil),
		LastValidatedAt: formatTime(v.LastValidatedAt),
		LastUsedAt:      formatTime(v.LastUsedAt),
		CreatedAt:       v.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       v.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toListResponse(views []*domain.CertificateView) CertificateListResponse {
	resp := CertificateListResponse{
		Certificates: make([]CertificateResponse, len(views)),
	}
	for i, v := range views {
		resp.Certificates[i] = toCertificateResponse(v)
	}
	return resp
}

func tenantOf(actor *domain.Actor) string {
	if actor == nil {
		return ""
	}
	return actor.TenantID
}

// fail は操作ログを出力し、エラーをHTTPレスポンスに変換する。
func (h *CertificateHandler) fail(w http.ResponseWriter, r *http.Request, operation, certificateID string, err error) {
	actor := middleware.ActorFrom(r.Context())
	middleware.WriteOperationLog(r.Context(), operation, tenantOf(actor), certificateID, middleware.ResultFailed)
	writeError(w, r, operation, err)
}

// writeError はドメインエラーをステータスコードとエラーコードに変換する。
// メッセージには利用者向けの文言のみを使い、原因の詳細は含めない。
func writeError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	msg := domain.UserMessage(err)

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		switch ve.Kind {
		case domain.ValidationTooLarge:
			httputil.ErrorWithDetail(w, http.StatusRequestEntityTooLarge, "CERTIFICATE_TOO_LARGE", msg, string(ve.Kind))
		case domain.ValidationInvalidField:
			httputil.ErrorWithDetail(w, http.StatusBadRequest, "INVALID_FIELD", msg, ve.Field)
		default:
			httputil.ErrorWithDetail(w, http.StatusUnprocessableEntity, "INVALID_CERTIFICATE", msg, string(ve.Kind))
		}
		return
	}

	switch {
	case errors.Is(err, domain.ErrAuthenticationRequired):
		httputil.Error(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", msg)
	case errors.Is(err, domain.ErrAuthorizationDenied):
		httputil.ErrorWithDetail(w, http.StatusForbidden, "AUTHORIZATION_DENIED", msg, string(domain.DenialReasonOf(err)))
	case errors.Is(err, domain.ErrCertificateNotFound):
		httputil.Error(w, http.StatusNotFound, "CERTIFICATE_NOT_FOUND", msg)
	case errors.Is(err, domain.ErrInvalidCursor):
		httputil.Error(w, http.StatusBadRequest, "INVALID_CURSOR", "invalid cursor")
	case errors.Is(err, domain.ErrProbeFailed):
		httputil.ErrorWithDetail(w, http.StatusBadGateway, "PROBE_FAILED", msg, err.Error())
	default:
		slog.ErrorContext(r.Context(), "failed to handle certificate request",
			"operation", operation,
			"error", err,
		)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// GetPolicy はテナントの証明書ポリシーを返す。
func (h *CertificateHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFrom(r.Context())

	policy, err := h.service.GetPolicy(r.Context(), actor)
	if err != nil {
		h.fail(w, r, "GET_POLICY", "", err)
		return
	}

	scopes := policy.AllowedScopes()
	resp := PolicyResponse{
		Policy:        string(policy),
		AllowedScopes: make([]string, len(scopes)),
	}
	for i, s := range scopes {
		resp.AllowedScopes[i] = string(s)
	}
	middleware.WriteOperationLog(r.Context(), "GET_POLICY", actor.TenantID, "", middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, resp)
}

// List はテナントの証明書一覧を返す。
func (h *CertificateHandler) List(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFrom(r.Context())

	views, err := h.service.List(r.Context(), actor)
	if err != nil {
		h.fail(w, r, "LIST_CERTIFICATES", "", err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "LIST_CERTIFICATES", actor.TenantID, "", middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toListResponse(views))
}

// ListMine はアクター自身の証明書一覧を返す。
func (h *CertificateHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFrom(r.Context())

	views, err := h.service.ListMine(r.Context(), actor)
	if err != nil {
		h.fail(w, r, "LIST_MY_CERTIFICATES", "", err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "LIST_MY_CERTIFICATES", actor.TenantID, "", middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toListResponse(views))
}

// Upload はmultipartで送信された証明書を登録する。
func (h *CertificateHandler) Upload(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFrom(r.Context())

	in, err := parseUpload(w, r)
	defer func() { memguard.WipeBytes(in.Bundle) }()
	if err != nil {
		h.fail(w, r, "UPLOAD_CERTIFICATE", "", err)
		return
	}

	view, err := h.service.Upload(r.Context(), actor, in)
	if err != nil {
		h.fail(w, r, "UPLOAD_CERTIFICATE", "", err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "UPLOAD_CERTIFICATE", view.TenantID, view.ID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusCreated, toCertificateResponse(view))
}

// parseUpload はmultipartフォームからアップロード入力を組み立てる。
// 既定値は type=PJE, scope=OFFICE, activate=true。
func parseUpload(w http.ResponseWriter, r *http.Request) (domain.UploadInput, error) {
	in := domain.UploadInput{
		Type:     domain.CertificateTypePJE,
		Scope:    domain.ScopeOffice,
		Activate: true,
	}

	r.Body = http.MaxBytesReader(w, r.Body, domain.MaxBundleSize+multipartOverhead)
	if err := r.ParseMultipartForm(domain.MaxBundleSize + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return in, domain.Invalid(domain.ValidationTooLarge, nil)
		}
		return in, domain.InvalidField("certificate")
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.WarnContext(r.Context(), "failed to remove multipart temp files", "error", err)
		}
	}()

	file, _, err := r.FormFile("certificate")
	if err != nil {
		return in, domain.InvalidField("certificate")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, domain.MaxBundleSize+1))
	if err != nil {
		return in, domain.InvalidField("certificate")
	}
	in.Bundle = data

	in.Passphrase = r.FormValue("password")
	in.Label = strings.TrimSpace(r.FormValue("label"))

	if v := strings.TrimSpace(r.FormValue("type")); v != "" {
		in.Type = domain.CertificateType(strings.ToUpper(v))
	}
	if v := strings.TrimSpace(r.FormValue("scope")); v != "" {
		in.Scope = domain.Scope(strings.ToUpper(v))
	}
	if v := strings.TrimSpace(r.FormValue("activate")); v != "" {
		activate, err := strconv.ParseBool(v)
		if err != nil {
			return in, domain.InvalidField("activate")
		}
		in.Activate = activate
	}
	if v := strings.TrimSpace(r.FormValue("validUntil")); v != "" {
		validUntil, err := parseDate(v)
		if err != nil {
			return in, domain.InvalidField("validUntil")
		}
		in.ValidUntil = &validUntil
	}
	return in, nil
}

// parseDate はRFC3339または日付のみ（YYYY-MM-DD）の文字列を解析する。
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Activate は証明書を有効化する。
func (h *CertificateHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "ACTIVATE_CERTIFICATE", h.service.Activate)
}

// Deactivate は証明書を無効化する。
func (h *CertificateHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "DEACTIVATE_CERTIFICATE", h.service.Deactivate)
}

func (h *CertificateHandler) toggle(
	w http.ResponseWriter,
	r *http.Request,
	operation string,
	fn func(context.Context, *domain.Actor, string) (*domain.ActivationResult, error),
) {
	actor := middleware.ActorFrom(r.Context())
	id := chi.URLParam(r, "id")

	result, err := fn(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, operation, id, err)
		return
	}

	middleware.WriteOperationLog(r.Context(), operation, actor.TenantID, id, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, ActivationResponse{
		ID:        result.ID,
		IsActive:  result.IsActive,
		UpdatedAt: result.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// Test は証明書の読み込みと疎通を確認する。
func (h *CertificateHandler) Test(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFrom(r.Context())
	id := chi.URLParam(r, "id")

	result, err := h.service.Test(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, "TEST_CERTIFICATE", id, err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "TEST_CERTIFICATE", actor.TenantID, id, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, TestResponse{Message: result.Message})
}

// ListLogs は証明書の操作ログを新しい順に返す。
func (h *CertificateHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFrom(r.Context())
	id := chi.URLParam(r, "id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.fail(w, r, "LIST_CERTIFICATE_LOGS", id, domain.InvalidField("limit"))
			return
		}
		limit = n
	}

	page, err := h.service.ListLogs(r.Context(), actor, id, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.fail(w, r, "LIST_CERTIFICATE_LOGS", id, err)
		return
	}

	resp := LogPageResponse{
		Items:      make([]LogResponse, len(page.Items)),
		NextCursor: page.NextCursor,
	}
	for i, e := range page.Items {
		resp.Items[i] = LogResponse{
			ID:            e.ID,
			CertificateID: e.CertificateID,
			Action:        string(e.Action),
			ActorID:       e.ActorID,
			Message:       e.Message,
			CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	middleware.WriteOperationLog(r.Context(), "LIST_CERTIFICATE_LOGS", actor.TenantID, id, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, resp)
}

// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"digital-certificate-service/internal/bundle"
	"digital-certificate-service/internal/domain"
)

const tracerName = "digital-certificate-service/internal/usecase"

// TenantDirectory はテナントの証明書ポリシーと弁護士登録を参照するインターフェース。
type TenantDirectory interface {
	FindCertificatePolicy(ctx context.Context, tenantID string) (domain.Policy, error)
	IsLawyer(ctx context.Context, tenantID, userID string) (bool, error)
}

// AccessGuard は操作可否を判定するインターフェース。
type AccessGuard interface {
	CanUpload(ctx context.Context, actor *domain.Actor, scope domain.Scope, policy domain.Policy) error
	CanAccess(ctx context.Context, actor *domain.Actor, cert *domain.Certificate, policy domain.Policy) error
	Visible(actor *domain.Actor, cert *domain.Certificate, policy domain.Policy) bool
}

// BundleValidator はPKCS#12バンドルを検証するインターフェース。
type BundleValidator interface {
	Validate(raw []byte, passphrase string) (*bundle.Material, error)
}

// Cipher は保存データの暗号化/復号のインターフェース。
type Cipher interface {
	Encrypt(plaintext []byte) (ciphertext, iv []byte, err error)
	Decrypt(ciphertext, iv []byte) ([]byte, error)
}

// Prober は外部システムとのmTLS疎通確認のインターフェース。
type Prober interface {
	Probe(ctx context.Context, material *bundle.Material) (string, error)
}

// Option はCertificateServiceの設定を変更する。
type Option func(*CertificateService)

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *CertificateService) {
		s.now = now
	}
}

// WithProbeTimeout は疎通確認のタイムアウトを設定する。0以下はタイムアウトなし。
func WithProbeTimeout(d time.Duration) Option {
	return func(s *CertificateService) {
		s.probeTimeout = d
	}
}

// CertificateService はデジタル証明書のライフサイクルを管理する。
type CertificateService struct {
	store        domain.CertificateStore
	directory    TenantDirectory
	guard        AccessGuard
	validator    BundleValidator
	cipher       Cipher
	probers      map[domain.CertificateType]Prober
	now          func() time.Time
	probeTimeout time.Duration
	tracer       trace.Tracer
}

// NewCertificateService は新しいCertificateServiceを生成する。
func NewCertificateService(
	store domain.CertificateStore,
	directory TenantDirectory,
	guard AccessGuard,
	validator BundleValidator,
	cipher Cipher,
	probers map[domain.CertificateType]Prober,
	opts ...Option,
) *CertificateService {
	s := &CertificateService{
		store:     store,
		directory: directory,
		guard:     guard,
		validator: validator,
		cipher:    cipher,
		probers:   probers,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// requireActor はテナントとユーザーが特定できることを確認する。
func requireActor(actor *domain.Actor) error {
	if actor == nil || actor.TenantID == "" || actor.UserID == "" {
		return domain.ErrAuthenticationRequired
	}
	return nil
}

func (s *CertificateService) startSpan(ctx context.Context, name string, actor *domain.Actor, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if actor != nil {
		attrs = append(attrs, attribute.String("tenant.id", actor.TenantID))
	}
	return s.tracer.Start(ctx, "CertificateService."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// policyFor はテナントの現在のポリシーを取得する。ポリシーは操作ごとに評価する。
func (s *CertificateService) policyFor(ctx context.Context, tenantID string) (domain.Policy, error) {
	policy, err := s.directory.FindCertificatePolicy(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("finding certificate policy: %w", err)
	}
	return policy, nil
}

// loadAuthorized はテナント内の証明書を取得し、アクセス権を確認する。
func (s *CertificateService) loadAuthorized(ctx context.Context, actor *domain.Actor, id string) (*domain.Certificate, error) {
	if id == "" {
		return nil, domain.InvalidField("id")
	}
	cert, err := s.store.FindByID(ctx, actor.TenantID, id)
	if err != nil {
		return nil, fmt.Errorf("finding certificate: %w", err)
	}
	if cert == nil {
		return nil, domain.ErrCertificateNotFound
	}

	policy, err := s.policyFor(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.CanAccess(ctx, actor, cert, policy); err != nil {
		return nil, err
	}
	return cert, nil
}

// Upload は証明書を検証・暗号化して保存する。
// activate が真の場合、同一グループの有効な証明書を同じトランザクション内で無効化する。
func (s *CertificateService) Upload(ctx context.Context, actor *domain.Actor, in domain.UploadInput) (_ *domain.CertificateView, err error) {
	ctx, span := s.startSpan(ctx, "Upload", actor,
		attribute.String("certificate.type", string(in.Type)),
		attribute.String("certificate.scope", string(in.Scope)),
		attribute.Bool("certificate.activate", in.Activate),
	)
	defer func() { endSpan(span, err) }()

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if len(in.Bundle) > domain.MaxBundleSize {
		return nil, domain.Invalid(domain.ValidationTooLarge, nil)
	}
	if strings.TrimSpace(in.Passphrase) == "" {
		return nil, domain.Invalid(domain.ValidationMissingPassphrase, nil)
	}
	if !in.Type.Valid() {
		return nil, domain.InvalidField("type")
	}
	if !in.Scope.Valid() {
		return nil, domain.InvalidField("scope")
	}

	policy, err := s.policyFor(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.CanUpload(ctx, actor, in.Scope, policy); err != nil {
		return nil, err
	}

	material, err := s.validator.Validate(in.Bundle, in.Passphrase)
	if err != nil {
		return nil, err
	}

	encryptedData, dataIV, err := s.cipher.Encrypt(material.Normalized)
	if err != nil {
		return nil, fmt.Errorf("encrypting certificate: %w", err)
	}
	passphrase := []byte(in.Passphrase)
	defer memguard.WipeBytes(passphrase)
	encryptedPassphrase, passphraseIV, err := s.cipher.Encrypt(passphrase)
	if err != nil {
		return nil, fmt.Errorf("encrypting passphrase: %w", err)
	}

	validUntil := in.ValidUntil
	if validUntil == nil && material.Leaf != nil {
		notAfter := material.Leaf.NotAfter.UTC()
		validUntil = &notAfter
	}

	now := s.now()
	cert := &domain.Certificate{
		TenantID:            actor.TenantID,
		Type:                in.Type,
		Scope:               in.Scope,
		Label:               in.Label,
		EncryptedData:       encryptedData,
		DataIV:              dataIV,
		EncryptedPassphrase: encryptedPassphrase,
		PassphraseIV:        passphraseIV,
		IsActive:            in.Activate,
		ValidUntil:          validUntil,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if in.Scope == domain.ScopeLawyer {
		cert.OwnerID = actor.UserID
	}

	err = s.store.WithinTransaction(ctx, func(ctx context.Context, tx domain.CertificateStore) error {
		if in.Activate {
			if err := deactivateSiblings(ctx, tx, cert, actor.UserID, domain.LogMessageDisabledByUpload, now); err != nil {
				return err
			}
		}
		if err := tx.Create(ctx, cert); err != nil {
			return fmt.Errorf("creating certificate: %w", err)
		}
		if err := appendLog(ctx, tx, cert, actor.UserID, domain.LogActionCreated, domain.LogMessageCreated, now); err != nil {
			return err
		}
		if in.Activate {
			return appendLog(ctx, tx, cert, actor.UserID, domain.LogActionEnabled, domain.LogMessageEnabledOnUpload, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "certificate uploaded",
		"tenant_id", cert.TenantID,
		"certificate_id", cert.ID,
		"type", cert.Type,
		"scope", cert.Scope,
		"active", cert.IsActive,
	)
	return cert.View(), nil
}

// deactivateSiblings はグループ内の他の有効な証明書を無効化し、それぞれDISABLEDログを記録する。
func deactivateSiblings(ctx context.Context, tx domain.CertificateStore, cert *domain.Certificate, actorID, message string, now time.Time) error {
	siblings, err := tx.FindActiveInGroup(ctx, cert.GroupKey(), cert.ID)
	if err != nil {
		return fmt.Errorf("finding active certificates: %w", err)
	}
	for _, sibling := range siblings {
		if err := tx.SetActive(ctx, sibling, false, now); err != nil {
			return fmt.Errorf("deactivating certificate %s: %w", sibling.ID, err)
		}
		if err := appendLog(ctx, tx, sibling, actorID, domain.LogActionDisabled, message, now); err != nil {
			return err
		}
	}
	return nil
}

func appendLog(ctx context.Context, store domain.CertificateStore, cert *domain.Certificate, actorID string, action domain.LogAction, message string, now time.Time) error {
	entry := &domain.LogEntry{
		TenantID:      cert.TenantID,
		CertificateID: cert.ID,
		Action:        action,
		ActorID:       actorID,
		Message:       message,
		CreatedAt:     now,
	}
	if err := store.CreateLog(ctx, entry); err != nil {
		return fmt.Errorf("creating %s log: %w", action, err)
	}
	return nil
}

// Activate は証明書を有効化し、同一グループの他の証明書を無効化する。
// 既に有効な場合は何も変更しない。
func (s *CertificateService) Activate(ctx context.Context, actor *domain.Actor, id string) (_ *domain.ActivationResult, err error) {
	ctx, span := s.startSpan(ctx, "Activate", actor, attribute.String("certificate.id", id))
	defer func() { endSpan(span, err) }()

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	cert, err := s.loadAuthorized(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	changed := false
	err = s.store.WithinTransaction(ctx, func(ctx context.Context, tx domain.CertificateStore) error {
		current, err := reloadForUpdate(ctx, tx, cert)
		if err != nil {
			return err
		}
		cert = current
		if current.IsActive {
			return nil
		}
		if err := deactivateSiblings(ctx, tx, current, actor.UserID, domain.LogMessageDisabledBySwap, now); err != nil {
			return err
		}
		if err := tx.SetActive(ctx, current, true, now); err != nil {
			return fmt.Errorf("activating certificate: %w", err)
		}
		changed = true
		return appendLog(ctx, tx, current, actor.UserID, domain.LogActionEnabled, domain.LogMessageActivatedManually, now)
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return activationResult(cert), nil
	}

	slog.InfoContext(ctx, "certificate activated",
		"tenant_id", cert.TenantID,
		"certificate_id", cert.ID,
	)
	return activationResult(cert), nil
}

// Deactivate は証明書を無効化する。同一グループの他の証明書は変更しない。
// 既に無効な場合は何も変更しない。
func (s *CertificateService) Deactivate(ctx context.Context, actor *domain.Actor, id string) (_ *domain.ActivationResult, err error) {
	ctx, span := s.startSpan(ctx, "Deactivate", actor, attribute.String("certificate.id", id))
	defer func() { endSpan(span, err) }()

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	cert, err := s.loadAuthorized(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	changed := false
	err = s.store.WithinTransaction(ctx, func(ctx context.Context, tx domain.CertificateStore) error {
		current, err := reloadForUpdate(ctx, tx, cert)
		if err != nil {
			return err
		}
		cert = current
		if !current.IsActive {
			return nil
		}
		if err := tx.SetActive(ctx, current, false, now); err != nil {
			return fmt.Errorf("deactivating certificate: %w", err)
		}
		changed = true
		return appendLog(ctx, tx, current, actor.UserID, domain.LogActionDisabled, domain.LogMessageDeactivatedManually, now)
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return activationResult(cert), nil
	}

	slog.InfoContext(ctx, "certificate deactivated",
		"tenant_id", cert.TenantID,
		"certificate_id", cert.ID,
	)
	return activationResult(cert), nil
}

// reloadForUpdate はトランザクション内で証明書を行ロック付きで再取得する。
// 有効状態の判定はこの結果に対して行う。
func reloadForUpdate(ctx context.Context, tx domain.CertificateStore, cert *domain.Certificate) (*domain.Certificate, error) {
	current, err := tx.FindByIDForUpdate(ctx, cert.TenantID, cert.ID)
	if err != nil {
		return nil, fmt.Errorf("locking certificate: %w", err)
	}
	if current == nil {
		return nil, domain.ErrCertificateNotFound
	}
	return current, nil
}

func activationResult(cert *domain.Certificate) *domain.ActivationResult {
	return &domain.ActivationResult{
		ID:        cert.ID,
		IsActive:  cert.IsActive,
		UpdatedAt: cert.UpdatedAt,
	}
}

// Test は保存済みの証明書を復号・再検証し、必要な種別では外部システムとの疎通を確認する。
// 結果はTESTEDログに記録する。有効フラグは変更しない。
func (s *CertificateService) Test(ctx context.Context, actor *domain.Actor, id string) (_ *domain.TestResult, err error) {
	ctx, span := s.startSpan(ctx, "Test", actor, attribute.String("certificate.id", id))
	defer func() { endSpan(span, err) }()

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	cert, err := s.loadAuthorized(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("certificate.type", string(cert.Type)))

	probeMessage, probed, testErr := s.runTest(ctx, cert)
	now := s.now()

	if testErr != nil {
		logErr := appendLog(ctx, s.store, cert, actor.UserID, domain.LogActionTested, "Test failed: "+failureCause(testErr), now)
		if logErr != nil {
			return nil, errors.Join(testErr, logErr)
		}
		slog.WarnContext(ctx, "certificate test failed",
			"tenant_id", cert.TenantID,
			"certificate_id", cert.ID,
			"type", cert.Type,
			"reason", failureCause(testErr),
		)
		return nil, testErr
	}

	message := fmt.Sprintf("Load test completed (%s).", cert.Type)
	if probeMessage != "" {
		message += " " + probeMessage
	}

	err = s.store.WithinTransaction(ctx, func(ctx context.Context, tx domain.CertificateStore) error {
		var usedAt *time.Time
		if probed {
			usedAt = &now
		}
		if err := tx.RecordTest(ctx, cert, now, usedAt); err != nil {
			return fmt.Errorf("recording test: %w", err)
		}
		return appendLog(ctx, tx, cert, actor.UserID, domain.LogActionTested, message, now)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "certificate tested",
		"tenant_id", cert.TenantID,
		"certificate_id", cert.ID,
		"type", cert.Type,
		"probed", probed,
	)
	return &domain.TestResult{Message: message}, nil
}

// runTest は復号・再検証・疎通確認を行う。トランザクション外で実行する。
func (s *CertificateService) runTest(ctx context.Context, cert *domain.Certificate) (message string, probed bool, err error) {
	data, err := s.cipher.Decrypt(cert.EncryptedData, cert.DataIV)
	if err != nil {
		return "", false, fmt.Errorf("decrypting certificate: %w", err)
	}
	defer memguard.WipeBytes(data)

	passphrase, err := s.cipher.Decrypt(cert.EncryptedPassphrase, cert.PassphraseIV)
	if err != nil {
		return "", false, fmt.Errorf("decrypting passphrase: %w", err)
	}
	defer memguard.WipeBytes(passphrase)

	material, err := s.validator.Validate(data, string(passphrase))
	if err != nil {
		return "", false, err
	}

	if !cert.Type.RequiresConnectivityProbe() {
		return "", false, nil
	}
	prober, ok := s.probers[cert.Type]
	if !ok {
		return "", false, fmt.Errorf("%w: no prober configured for %s", domain.ErrProbeFailed, cert.Type)
	}

	probeCtx := ctx
	if s.probeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, s.probeTimeout)
		defer cancel()
	}
	message, err = prober.Probe(probeCtx, material)
	if err != nil {
		if !errors.Is(err, domain.ErrProbeFailed) {
			err = fmt.Errorf("%w: %v", domain.ErrProbeFailed, err)
		}
		return "", true, err
	}
	return message, true, nil
}

// failureCause はログに残してよい失敗理由を返す。
func failureCause(err error) string {
	switch {
	case errors.Is(err, domain.ErrProbeFailed):
		return err.Error()
	case errors.Is(err, domain.ErrDecryptFailed):
		return "stored certificate could not be decrypted."
	default:
		return domain.UserMessage(err)
	}
}

// List はテナントの証明書一覧を返す。
// ポリシーが許可するスコープのみ、LAWYERスコープは所有者本人（スーパーロールは全件）のみ含める。
func (s *CertificateService) List(ctx context.Context, actor *domain.Actor) (_ []*domain.CertificateView, err error) {
	ctx, span := s.startSpan(ctx, "List", actor)
	defer func() { endSpan(span, err) }()

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	policy, err := s.policyFor(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}

	certs, err := s.store.FindAllByTenantID(ctx, actor.TenantID, policy.AllowedScopes())
	if err != nil {
		return nil, fmt.Errorf("finding certificates: %w", err)
	}

	views := make([]*domain.CertificateView, 0, len(certs))
	for _, cert := range certs {
		if s.guard.Visible(actor, cert, policy) {
			views = append(views, cert.View())
		}
	}
	return views, nil
}

// ListMine はアクター自身が所有するLAWYERスコープの証明書を返す。
// 登録弁護士でない場合やポリシーがLAWYERスコープを許可しない場合は空を返す。
func (s *CertificateService) ListMine(ctx context.Context, actor *domain.Actor) (_ []*domain.CertificateView, err error) {
	ctx, span := s.startSpan(ctx, "ListMine", actor)
	defer func() { endSpan(span, err) }()

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	policy, err := s.policyFor(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}
	if !domain.ScopeAllowed(policy, domain.ScopeLawyer) {
		return []*domain.CertificateView{}, nil
	}

	isLawyer, err := s.directory.IsLawyer(ctx, actor.TenantID, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("checking lawyer registration: %w", err)
	}
	if !isLawyer {
		return []*domain.CertificateView{}, nil
	}

	certs, err := s.store.FindAllByOwner(ctx, actor.TenantID, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("finding own certificates: %w", err)
	}
	views := make([]*domain.CertificateView, len(certs))
	for i, cert := range certs {
		views[i] = cert.View()
	}
	return views, nil
}

// ListLogs は証明書の操作ログを新しい順にページングして返す。
// cursor は前ページ最後のログID。
func (s *CertificateService) ListLogs(ctx context.Context, actor *domain.Actor, id, cursor string, pageSize int) (_ *domain.LogPage, err error) {
	ctx, span := s.startSpan(ctx, "ListLogs", actor, attribute.String("certificate.id", id))
	defer func() { endSpan(span, err) }()

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, domain.InvalidField("id")
	}
	cert, err := s.store.FindByID(ctx, actor.TenantID, id)
	if err != nil {
		return nil, fmt.Errorf("finding certificate: %w", err)
	}
	if cert == nil {
		return nil, domain.ErrCertificateNotFound
	}
	policy, err := s.policyFor(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}
	if !s.guard.Visible(actor, cert, policy) {
		return nil, domain.ErrCertificateNotFound
	}

	switch {
	case pageSize <= 0:
		pageSize = domain.DefaultLogPageSize
	case pageSize > domain.MaxLogPageSize:
		pageSize = domain.MaxLogPageSize
	}

	var after *domain.LogEntry
	if cursor != "" {
		after, err = s.store.FindLogByID(ctx, actor.TenantID, cert.ID, cursor)
		if err != nil {
			return nil, fmt.Errorf("finding cursor log: %w", err)
		}
		if after == nil {
			return nil, domain.ErrInvalidCursor
		}
	}

	entries, err := s.store.FindLogs(ctx, actor.TenantID, cert.ID, after, pageSize+1)
	if err != nil {
		return nil, fmt.Errorf("finding logs: %w", err)
	}

	page := &domain.LogPage{Items: entries}
	if len(entries) > pageSize {
		page.Items = entries[:pageSize]
		page.NextCursor = page.Items[pageSize-1].ID
	}
	return page, nil
}

// GetPolicy はテナントの証明書ポリシーを返す。
func (s *CertificateService) GetPolicy(ctx context.Context, actor *domain.Actor) (domain.Policy, error) {
	if err := requireActor(actor); err != nil {
		return "", err
	}
	return s.policyFor(ctx, actor.TenantID)
}

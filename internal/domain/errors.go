package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationRequired はアクター情報（テナント・ユーザー）が得られない場合のエラー。
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrAuthorizationDenied はアクセスガードが操作を拒否した場合のエラー。
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrValidation は入力またはバンドルの検証に失敗した場合のエラー。
	ErrValidation = errors.New("validation failed")

	// ErrCertificateNotFound は証明書が存在しない、または別テナントの場合のエラー。
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrProbeFailed は外部システムとの疎通確認に失敗した場合のエラー。
	ErrProbeFailed = errors.New("connectivity probe failed")

	// ErrDecryptFailed は暗号文の改ざん、または鍵の不一致で復号できない場合のエラー。
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrInvalidCursor はログ一覧のカーソルが不正な場合のエラー。
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// DenialReason はアクセス拒否の理由。
type DenialReason string

const (
	DenialPolicyViolation   DenialReason = "POLICY_VIOLATION"
	DenialRoleMismatch      DenialReason = "ROLE_MISMATCH"
	DenialOwnershipMismatch DenialReason = "OWNERSHIP_MISMATCH"
)

// AuthorizationError はアクセスガードによる拒否を表す。
type AuthorizationError struct {
	Reason DenialReason
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization denied: %s", e.Reason)
}

// Is は ErrAuthorizationDenied との比較を可能にする。
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrAuthorizationDenied
}

// Deny は指定理由のAuthorizationErrorを返す。
func Deny(reason DenialReason) error {
	return &AuthorizationError{Reason: reason}
}

// ValidationKind は検証エラーの分類。
type ValidationKind string

const (
	ValidationTooLarge          ValidationKind = "TOO_LARGE"
	ValidationMissingPassphrase ValidationKind = "MISSING_PASSPHRASE"
	ValidationMalformed         ValidationKind = "MALFORMED"
	ValidationWrongPassphrase   ValidationKind = "WRONG_PASSPHRASE"
	ValidationUnsupportedCipher ValidationKind = "UNSUPPORTED_CIPHER"
	ValidationInvalidField      ValidationKind = "INVALID_FIELD"
)

// ValidationError は検証エラーを表す。Err にはライブラリ由来の原因を保持する。
type ValidationError struct {
	Kind  ValidationKind
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed: %s", e.Kind)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is は ErrValidation との比較を可能にする。
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid は指定種別のValidationErrorを返す。
func Invalid(kind ValidationKind, cause error) error {
	return &ValidationError{Kind: kind, Err: cause}
}

// InvalidField は入力項目の不正を表すValidationErrorを返す。
func InvalidField(field string) error {
	return &ValidationError{Kind: ValidationInvalidField, Field: field}
}

// ValidationKindOf はエラーの検証種別を返す。検証エラーでなければ空文字を返す。
func ValidationKindOf(err error) ValidationKind {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// DenialReasonOf はエラーの拒否理由を返す。認可エラーでなければ空文字を返す。
func DenialReasonOf(err error) DenialReason {
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// UserMessage は利用者に表示してよいメッセージを返す。
// 復号済みデータや鍵情報を含めない。
func UserMessage(err error) string {
	switch ValidationKindOf(err) {
	case ValidationWrongPassphrase:
		return "The certificate password is incorrect. Check the password and upload the file again."
	case ValidationUnsupportedCipher:
		return "The certificate uses a legacy encryption algorithm that is not supported. " +
			"Re-export it with AES-256 (for example: openssl pkcs12 -export -keypbe AES-256-CBC -certpbe AES-256-CBC -macalg sha256) and try again."
	case ValidationTooLarge:
		return "The certificate file exceeds the 2 MiB limit."
	case ValidationMissingPassphrase:
		return "The certificate password is required."
	case ValidationMalformed:
		return "The file is not a valid PKCS#12 (.pfx/.p12) certificate."
	case ValidationInvalidField:
		return "The request contains an invalid field."
	}

	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return "Authentication required."
	case errors.Is(err, ErrAuthorizationDenied):
		return "You are not allowed to manage this certificate."
	case errors.Is(err, ErrCertificateNotFound):
		return "Certificate not found."
	case errors.Is(err, ErrProbeFailed):
		return "The connectivity test with the external system failed."
	default:
		return "An unexpected error occurred."
	}
}

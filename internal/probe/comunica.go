// Package probe は外部の裁判所システムとのmTLS疎通確認を提供する。
package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"digital-certificate-service/config"
	"digital-certificate-service/internal/bundle"
	"digital-certificate-service/internal/domain"
)

const (
	loginPath         = "/api/v1/login"
	communicationPath = "/api/v1/comunicacao"

	maxResponseBody = 64 * 1024
)

// ComunicaProber はPJe Comunica APIに対してクライアント証明書で接続を試みる。
type ComunicaProber struct {
	baseURL        string
	login          string
	password       string
	allowAnonymous bool
	insecure       bool
	extraRoots     []*x509.Certificate
}

// NewComunicaProber は設定からComunicaProberを生成する。
// 認証情報が無い場合、本番環境以外または AllowAnonTest 指定時のみ匿名での確認を行う。
func NewComunicaProber(cfg config.ComunicaConfig, production bool) (*ComunicaProber, error) {
	roots, err := loadExtraRoots(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading comunica CA: %w", err)
	}
	if cfg.TLSInsecure {
		slog.Warn("COMUNICA_TLS_INSECURE is set; server certificate verification is disabled")
	}
	return &ComunicaProber{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		login:          cfg.Login,
		password:       cfg.Password,
		allowAnonymous: !production || cfg.AllowAnonTest,
		insecure:       cfg.TLSInsecure,
		extraRoots:     roots,
	}, nil
}

func (p *ComunicaProber) hasCredentials() bool {
	return p.login != "" && p.password != ""
}

// Probe はクライアント証明書でComunicaに接続し、結果メッセージを返す。
// 認証情報があれば /login を、無ければ匿名で /comunicacao を呼び出す。
func (p *ComunicaProber) Probe(ctx context.Context, material *bundle.Material) (string, error) {
	if !p.hasCredentials() && !p.allowAnonymous {
		return "", fmt.Errorf("%w: mTLS connection not tested, Comunica credentials are not configured (set COMUNICA_LOGIN and COMUNICA_PASSWORD)", domain.ErrProbeFailed)
	}

	transport := &http.Transport{
		TLSClientConfig:   p.tlsConfig(material),
		ForceAttemptHTTP2: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: otelhttp.NewTransport(transport)}

	if p.hasCredentials() {
		if err := p.loginWith(ctx, client); err != nil {
			return "", err
		}
		return "mTLS connection ok; Comunica login validated with the configured credentials.", nil
	}

	status, err := p.getAnonymous(ctx, client)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		return fmt.Sprintf("mTLS connection ok; Comunica requires login (HTTP %d).", status), nil
	default:
		return fmt.Sprintf("mTLS connection ok; /comunicacao answered without login (HTTP %d).", status), nil
	}
}

// tlsConfig はクライアント証明書と信頼するルート証明書を設定する。
// バンドル内の中間証明書もルートとして追加する。
func (p *ComunicaProber) tlsConfig(material *bundle.Material) *tls.Config {
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{material.Certificate},
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.insecure,
	}
	if len(p.extraRoots) == 0 && len(material.Chain) == 0 {
		return cfg
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	for _, c := range p.extraRoots {
		pool.AddCert(c)
	}
	for _, c := range material.Chain {
		pool.AddCert(c)
	}
	cfg.RootCAs = pool
	return cfg
}

type loginRequest struct {
	Login string `json:"login"`
	Senha string `json:"senha"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn,omitempty"`
}

func (p *ComunicaProber) loginWith(ctx context.Context, client *http.Client) error {
	body, err := json.Marshal(loginRequest{Login: p.login, Senha: p.password})
	if err != nil {
		return fmt.Errorf("%w: encoding login request: %v", domain.ErrProbeFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProbeFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProbeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: login returned HTTP %d", domain.ErrProbeFailed, resp.StatusCode)
	}

	var parsed loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&parsed); err != nil {
		return fmt.Errorf("%w: decoding login response: %v", domain.ErrProbeFailed, err)
	}
	if parsed.Token == "" {
		return fmt.Errorf("%w: login response did not include a token", domain.ErrProbeFailed)
	}
	return nil
}

// getAnonymous は認証なしで /comunicacao を呼び出す。
// 401/403/422 はmTLSが成立したうえでログインを要求されたものとして扱う。
func (p *ComunicaProber) getAnonymous(ctx context.Context, client *http.Client) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+communicationPath, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrProbeFailed, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrProbeFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return resp.StatusCode, nil
	default:
		return 0, fmt.Errorf("%w: /comunicacao returned HTTP %d", domain.ErrProbeFailed, resp.StatusCode)
	}
}

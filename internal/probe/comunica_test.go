package probe

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital-certificate-service/config"
	"digital-certificate-service/internal/bundle"
	"digital-certificate-service/internal/bundle/bundletest"
	"digital-certificate-service/internal/domain"
)

func testMaterial(t *testing.T) *bundle.Material {
	t.Helper()
	fx := bundletest.Modern(t, "s3cret")
	material, err := bundle.NewValidator().Validate(fx.Bundle, "s3cret")
	require.NoError(t, err)
	return material
}

// newMTLSServer はクライアント証明書を必須とするテスト用サーバーを起動する。
func newMTLSServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "client certificate required", http.StatusBadRequest)
			return
		}
		handler(w, r)
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func serverCAPEM(srv *httptest.Server) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}))
}

func TestComunicaProber_AnonymousAuthRequired(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity} {
		srv := newMTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, communicationPath, r.URL.Path)
			assert.Equal(t, "test-lawyer", r.TLS.PeerCertificates[0].Subject.CommonName)
			w.WriteHeader(status)
		})

		prober, err := NewComunicaProber(config.ComunicaConfig{BaseURL: srv.URL, CACert: serverCAPEM(srv)}, false)
		require.NoError(t, err)

		msg, err := prober.Probe(context.Background(), testMaterial(t))
		require.NoError(t, err)
		assert.Contains(t, msg, "mTLS connection ok; Comunica requires login")
		assert.Contains(t, msg, fmt.Sprintf("(HTTP %d)", status))
	}
}

func TestComunicaProber_AnonymousOK(t *testing.T) {
	srv := newMTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	})

	prober, err := NewComunicaProber(config.ComunicaConfig{BaseURL: srv.URL, CACert: serverCAPEM(srv)}, false)
	require.NoError(t, err)

	msg, err := prober.Probe(context.Background(), testMaterial(t))
	require.NoError(t, err)
	assert.Equal(t, "mTLS connection ok; /comunicacao answered without login (HTTP 200).", msg)
}

func TestComunicaProber_AnonymousServerError(t *testing.T) {
	srv := newMTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	prober, err := NewComunicaProber(config.ComunicaConfig{BaseURL: srv.URL, CACert: serverCAPEM(srv)}, false)
	require.NoError(t, err)

	_, err = prober.Probe(context.Background(), testMaterial(t))
	require.ErrorIs(t, err, domain.ErrProbeFailed)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestComunicaProber_Login(t *testing.T) {
	var gotLogin loginRequest
	srv := newMTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, loginPath, r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotLogin))
		_ = json.NewEncoder(w).Encode(loginResponse{Token: "abc", ExpiresIn: 3600})
	})

	prober, err := NewComunicaProber(config.ComunicaConfig{
		BaseURL:  srv.URL + "/",
		Login:    "office",
		Password: "pw",
		CACert:   serverCAPEM(srv),
	}, true)
	require.NoError(t, err)

	msg, err := prober.Probe(context.Background(), testMaterial(t))
	require.NoError(t, err)
	assert.Contains(t, msg, "login validated")
	assert.Equal(t, loginRequest{Login: "office", Senha: "pw"}, gotLogin)
}

func TestComunicaProber_LoginWithoutToken(t *testing.T) {
	srv := newMTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	prober, err := NewComunicaProber(config.ComunicaConfig{
		BaseURL: srv.URL, Login: "office", Password: "pw", CACert: serverCAPEM(srv),
	}, false)
	require.NoError(t, err)

	_, err = prober.Probe(context.Background(), testMaterial(t))
	require.ErrorIs(t, err, domain.ErrProbeFailed)
	assert.Contains(t, err.Error(), "token")
}

func TestComunicaProber_ProductionWithoutCredentials(t *testing.T) {
	prober, err := NewComunicaProber(config.ComunicaConfig{BaseURL: "https://127.0.0.1:1"}, true)
	require.NoError(t, err)

	_, err = prober.Probe(context.Background(), testMaterial(t))
	require.ErrorIs(t, err, domain.ErrProbeFailed)
	assert.Contains(t, err.Error(), "COMUNICA_LOGIN")

	// AllowAnonTest を指定すると本番でも匿名確認を行う
	allowed, err := NewComunicaProber(config.ComunicaConfig{BaseURL: "https://127.0.0.1:1", AllowAnonTest: true}, true)
	require.NoError(t, err)
	assert.True(t, allowed.allowAnonymous)
}

func TestComunicaProber_UntrustedServerFails(t *testing.T) {
	srv := newMTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	prober, err := NewComunicaProber(config.ComunicaConfig{BaseURL: srv.URL}, false)
	require.NoError(t, err)

	_, err = prober.Probe(context.Background(), testMaterial(t))
	require.ErrorIs(t, err, domain.ErrProbeFailed)

	insecure, err := NewComunicaProber(config.ComunicaConfig{BaseURL: srv.URL, TLSInsecure: true}, false)
	require.NoError(t, err)

	_, err = insecure.Probe(context.Background(), testMaterial(t))
	require.NoError(t, err)
}

func TestComunicaProber_RespectsContextTimeout(t *testing.T) {
	srv := newMTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	})

	prober, err := NewComunicaProber(config.ComunicaConfig{BaseURL: srv.URL, CACert: serverCAPEM(srv)}, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = prober.Probe(ctx, testMaterial(t))
	require.ErrorIs(t, err, domain.ErrProbeFailed)
	assert.True(t, errors.Is(ctx.Err(), context.DeadlineExceeded))
}

func TestParseInlineCA(t *testing.T) {
	fx := bundletest.New(t, "s3cret", bundletest.Options{WithCA: true})
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: fx.CA.Raw}))

	tests := []struct {
		name  string
		value string
	}{
		{"pem", pemText},
		{"escaped newlines", strings.ReplaceAll(pemText, "\n", `\n`)},
		{"base64 der", base64.StdEncoding.EncodeToString(fx.CA.Raw)},
		{"base64 pem", base64.StdEncoding.EncodeToString([]byte(pemText))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			certs, err := parseInlineCA(tt.value)
			require.NoError(t, err)
			require.Len(t, certs, 1)
			assert.Equal(t, fx.CA.Raw, certs[0].Raw)
		})
	}

	_, err := parseInlineCA("   ")
	assert.Error(t, err)
	_, err = parseInlineCA("not a certificate!")
	assert.Error(t, err)
}

func TestLoadExtraRoots_FromFile(t *testing.T) {
	fx := bundletest.New(t, "s3cret", bundletest.Options{WithCA: true})
	dir := t.TempDir()

	derPath := filepath.Join(dir, "ca.der")
	require.NoError(t, os.WriteFile(derPath, fx.CA.Raw, 0o600))
	pemPath := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(pemPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: fx.CA.Raw}), 0o600))

	for _, path := range []string{derPath, pemPath} {
		roots, err := loadExtraRoots(config.ComunicaConfig{CACertPath: path})
		require.NoError(t, err)
		require.Len(t, roots, 1)
		assert.Equal(t, fx.CA.Raw, roots[0].Raw)
	}

	_, err := loadExtraRoots(config.ComunicaConfig{CACertPath: filepath.Join(dir, "missing.pem")})
	assert.Error(t, err)
}

package probe

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"digital-certificate-service/config"
	"digital-certificate-service/internal/bundle"
)

var errNoCertificates = errors.New("no certificates found")

// loadExtraRoots は COMUNICA_CA_CERT と COMUNICA_CA_CERT_PATH から追加のルート証明書を読み込む。
func loadExtraRoots(cfg config.ComunicaConfig) ([]*x509.Certificate, error) {
	var roots []*x509.Certificate

	if cfg.CACert != "" {
		certs, err := parseInlineCA(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("COMUNICA_CA_CERT: %w", err)
		}
		roots = append(roots, certs...)
	}

	if cfg.CACertPath != "" {
		raw, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("COMUNICA_CA_CERT_PATH: %w", err)
		}
		certs, err := parseCAFile(raw)
		if err != nil {
			return nil, fmt.Errorf("COMUNICA_CA_CERT_PATH: %w", err)
		}
		roots = append(roots, certs...)
	}

	return roots, nil
}

// parseInlineCA は環境変数に設定されたPEMまたはBase64の証明書を解析する。
// 改行が \n としてエスケープされた値も受け付ける。
func parseInlineCA(value string) ([]*x509.Certificate, error) {
	if strings.Contains(value, `\n`) && !strings.Contains(value, "\n") {
		value = strings.ReplaceAll(value, `\n`, "\n")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("value is empty")
	}

	if strings.Contains(value, "BEGIN CERTIFICATE") {
		return parsePEM([]byte(value))
	}
	if decoded, ok := bundle.DecodeBase64(value); ok {
		if bytes.Contains(decoded, []byte("BEGIN CERTIFICATE")) {
			return parsePEM(decoded)
		}
		return x509.ParseCertificates(decoded)
	}
	return nil, errors.New("value must be PEM or base64")
}

// parseCAFile はPEM、Base64、DERのいずれかの形式の証明書ファイルを解析する。
func parseCAFile(raw []byte) ([]*x509.Certificate, error) {
	text := bytes.TrimSpace(raw)
	if bytes.Contains(text, []byte("BEGIN CERTIFICATE")) {
		return parsePEM(text)
	}
	if decoded, ok := bundle.DecodeBase64(string(text)); ok {
		if bytes.Contains(decoded, []byte("BEGIN CERTIFICATE")) {
			return parsePEM(decoded)
		}
		return x509.ParseCertificates(decoded)
	}
	return x509.ParseCertificates(raw)
}

func parsePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errNoCertificates
	}
	return certs, nil
}

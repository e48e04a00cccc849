// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	AppEnv             string
	LogLevel           string
	GoogleCloudProject string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64

	// CertEncryptionKey は証明書暗号化用のマスターキー。
	// KMSKeyName が設定されている場合はKMSで暗号化された値（Base64）として扱う。
	CertEncryptionKey string
	KMSKeyName        string

	AuthzPolicyPath string

	Comunica     ComunicaConfig
	ProbeTimeout time.Duration
}

// ComunicaConfig はPJe Comunica APIへの疎通テスト設定。
type ComunicaConfig struct {
	BaseURL       string
	Login         string
	Password      string
	AllowAnonTest bool
	TLSInsecure   bool
	CACert        string
	CACertPath    string
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AppEnv:             getEnv("APP_ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelInsecure:     getEnvBool("OTEL_INSECURE", false),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "digital-certificate-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),

		CertEncryptionKey: firstEnv("CERT_ENCRYPTION_KEY", "CERT_SECRET_KEY", "ENCRYPTION_KEY"),
		KMSKeyName:        os.Getenv("KMS_KEY_NAME"),

		AuthzPolicyPath: os.Getenv("AUTHZ_POLICY_PATH"),

		Comunica: ComunicaConfig{
			BaseURL:       getEnv("COMUNICA_API_BASE_URL", "https://comunicaapi.pje.jus.br"),
			Login:         os.Getenv("COMUNICA_LOGIN"),
			Password:      os.Getenv("COMUNICA_PASSWORD"),
			AllowAnonTest: getEnvBool("COMUNICA_ALLOW_ANON_TEST", false),
			TLSInsecure:   getEnvBool("COMUNICA_TLS_INSECURE", false),
			CACert:        os.Getenv("COMUNICA_CA_CERT"),
			CACertPath:    os.Getenv("COMUNICA_CA_CERT_PATH"),
		},
		ProbeTimeout: getEnvDuration("PROBE_TIMEOUT", 15*time.Second),
	}
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}

func getEnvBool(key string, defaultVal bool) bool {
	val := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch val {
	case "":
		return defaultVal
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

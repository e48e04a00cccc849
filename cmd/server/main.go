// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"digital-certificate-service/config"
	"digital-certificate-service/internal/access"
	"digital-certificate-service/internal/authz"
	"digital-certificate-service/internal/bundle"
	"digital-certificate-service/internal/domain"
	"digital-certificate-service/internal/handler"
	"digital-certificate-service/internal/infra"
	"digital-certificate-service/internal/probe"
	"digital-certificate-service/internal/repository"
	"digital-certificate-service/internal/usecase"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	// 終了時にmemguardの保護領域を破棄する
	defer memguard.Purge()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		return 1
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, infra.ParseLogLevel(cfg.LogLevel))

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		return 1
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		return 1
	}

	// マスターキー読み込み（KMS_KEY_NAME設定時のみKMSでアンラップ）
	var kmsClient *infra.KMSClient
	if cfg.KMSKeyName != "" {
		kmsClient, err = infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			slog.Error("failed to init KMS client", "error", err)
			return 1
		}
		defer func() {
			if closeErr := kmsClient.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
	}
	var decrypter infra.KeyDecrypter
	if kmsClient != nil {
		decrypter = kmsClient
	}
	masterKey, err := infra.LoadMasterKey(ctx, cfg, decrypter)
	if err != nil {
		slog.Error("failed to load master key", "error", err)
		return 1
	}
	codec, err := infra.NewCodec(masterKey)
	if err != nil {
		slog.Error("failed to init codec", "error", err)
		return 1
	}

	// 権限リゾルバ
	resolver, err := authz.NewResolver(cfg.AuthzPolicyPath)
	if err != nil {
		slog.Error("failed to init authz resolver", "error", err)
		return 1
	}

	// 疎通確認
	comunica, err := probe.NewComunicaProber(cfg.Comunica, cfg.IsProduction())
	if err != nil {
		slog.Error("failed to init comunica prober", "error", err)
		return 1
	}

	// DI
	certRepo := repository.NewCertificateRepository(db)
	directory := repository.NewDirectoryRepository(db)
	service := usecase.NewCertificateService(
		certRepo,
		directory,
		access.NewGuard(directory),
		bundle.NewValidator(),
		codec,
		map[domain.CertificateType]usecase.Prober{
			domain.CertificateTypePJE: comunica,
		},
		usecase.WithProbeTimeout(cfg.ProbeTimeout),
	)
	h := handler.NewCertificateHandler(service)
	router := handler.NewRouter(h, resolver)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(router, "certificate-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "env", cfg.AppEnv)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		return 1
	}
	slog.Info("server stopped")
	return 0
}

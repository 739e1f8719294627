package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/receteci/internal/analysis"
	"github.com/hitoshi/receteci/internal/automation"
	"github.com/hitoshi/receteci/internal/billing"
	"github.com/hitoshi/receteci/internal/browser"
	"github.com/hitoshi/receteci/internal/captcha"
	"github.com/hitoshi/receteci/internal/config"
	"github.com/hitoshi/receteci/internal/database"
	"github.com/hitoshi/receteci/internal/events"
	"github.com/hitoshi/receteci/internal/handler"
	"github.com/hitoshi/receteci/internal/logger"
	"github.com/hitoshi/receteci/internal/metrics"
	"github.com/hitoshi/receteci/internal/middleware"
	"github.com/hitoshi/receteci/internal/model"
	"github.com/hitoshi/receteci/internal/portal"
	"github.com/hitoshi/receteci/internal/prescription"
	"github.com/hitoshi/receteci/internal/repository"
	"github.com/hitoshi/receteci/internal/scoring"
	"github.com/hitoshi/receteci/internal/security"
	"github.com/hitoshi/receteci/internal/worker/autofetch"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("初期化に失敗しました: %w", err)
	}

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("portal_base_url", cfg.PortalBaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandClearCache:
		return runClearCache(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーと自動取得の監視を起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("データベースを開けませんでした: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("データベースに接続できませんでした: %w", err)
	}

	log.Info("データベースに接続しました")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 3. リポジトリ
	records := repository.NewPostgresRecordRepo(db)
	analyses := repository.NewPostgresAnalysisRepo(db)
	cache := &repository.Cache{Records: records, Analyses: analyses}

	// 4. イベントバス
	bus := events.NewBus(log, collector, 200*time.Millisecond, 10*time.Second)
	if cfg.NATSURL != "" {
		forwarder, err := events.NewNATSForwarder(cfg.NATSURL, log)
		if err != nil {
			return fmt.Errorf("NATSに接続できませんでした: %w", err)
		}
		defer forwarder.Close()
		if err := bus.Subscribe("nats", forwarder.Handle, 256); err != nil {
			return err
		}
	}

	// 5. 外部サービスクライアント
	captchaClient := captcha.NewClient(&http.Client{Timeout: cfg.CaptchaTimeout}, cfg.CaptchaServiceURL, log, collector)
	scoringClient := scoring.NewClient(&http.Client{Timeout: cfg.ScoringTimeout}, cfg.ScoringServiceURL, log, collector)

	// 6. ポータル操作
	sel := portal.DefaultSelectors()
	session := portal.NewSession(captchaClient, sel, portal.SessionConfig{
		LoginURL:     cfg.LoginURL(),
		MaxAttempts:  cfg.LoginMaxAttempts,
		AttemptDelay: cfg.LoginAttemptDelay,
		FormTimeout:  cfg.ElementTimeout,
		LoadTimeout:  cfg.NavigationTimeout,
	}, log, collector)
	navigator := portal.NewNavigator(cfg.SearchURL(), sel, cfg.ElementTimeout, cfg.NavigationTimeout, log)
	scraper := portal.NewScraper(sel, cfg.ReportScrapeRetries, cfg.ReportScrapeDelay, cfg.ElementTimeout, log, collector)

	// 7. 自動化エンジン
	controller := automation.NewController(automation.Config{
		HomeURL:           cfg.HomeURL(),
		Headless:          cfg.BrowserHeadless,
		SlowMo:            cfg.BrowserSlowMo,
		NavigationTimeout: cfg.NavigationTimeout,
		OperationTimeout:  cfg.OperationTimeout,
		Install:           cfg.BrowserInstall,
	}, browser.NewPlaywrightLauncher(log), session, navigator, session.Detector(), bus, log)
	session.SetOnChange(func(model.SessionSnapshot) { controller.PublishStatus() })

	// 8. 処方箋取得と評価
	credentials := cfg.Credentials()
	fetcher := prescription.NewFetcher(prescription.Deps{
		Records:     records,
		Session:     session,
		Navigator:   navigator,
		Scraper:     scraper,
		Detector:    session.Detector(),
		Credentials: credentials,
		Pages:       controller,
		Publisher:   bus,
		Logger:      log,
		Metrics:     collector,
	})
	orchestrator := analysis.NewOrchestrator(
		records, analyses, scoringClient, security.NewContentSanitizer(),
		bus, cfg.ScoringConcurrency, log, collector,
	)

	// 9. 利用単位の残高投影
	var balanceSource billing.BalanceSource
	if cfg.BillingServiceURL != "" {
		balanceSource = billing.NewHTTPBalanceSource(&http.Client{Timeout: 10 * time.Second}, cfg.BillingServiceURL, log, collector)
	}
	projection := billing.NewProjection(balanceSource, log, collector)
	if err := bus.Subscribe("billing", projection.Handle, 16); err != nil {
		return err
	}
	if balanceSource != nil {
		reconciler, err := billing.NewReconciler(projection, cfg.CreditReconcileSchedule, 10*time.Second, log)
		if err != nil {
			return err
		}
		reconciler.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			reconciler.Stop(ctx)
		}()
	}

	// 10. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(registry),

		Automation:    controller,
		Credentials:   credentials,
		Runner:        controller,
		Prescriptions: fetcher,
		Analyses:      orchestrator,
		Cache:         cache,
		Credits:       projection,
	})

	// 11. HTTPサーバーと自動取得の監視を起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.OperationTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := autofetch.NewWatcher(controller, fetcher, log, cfg.AutoFetchInterval)
	go watcher.Start(ctx)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("APIサーバーを起動しました", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("APIサーバーの起動に失敗しました: %w", err)
	}
	log.Info("APIサーバーを停止しています")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("APIサーバーの停止に失敗しました: %w", err)
	}
	if env := controller.Close(shutdownCtx); !env.Success {
		log.Warn("ブラウザを終了できませんでした", slog.String("code", env.Error.Code))
	}
	if err := bus.Close(shutdownCtx); err != nil {
		log.Warn("未配信のイベントを破棄しました", slog.String("error", err.Error()))
	}

	log.Info("APIサーバーを停止しました")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("データベースマイグレーションを実行します",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("マイグレーションに失敗しました: %w", err)
	}

	slog.Info("データベースマイグレーションが完了しました")
	return nil
}

// runClearCache は処方箋キャッシュと評価結果キャッシュを削除する。
func runClearCache(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("データベースを開けませんでした: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("データベースに接続できませんでした: %w", err)
	}

	cache := &repository.Cache{
		Records:  repository.NewPostgresRecordRepo(db),
		Analyses: repository.NewPostgresAnalysisRepo(db),
	}
	if err := cache.Clear(ctx); err != nil {
		return err
	}

	slog.Info("ローカルキャッシュを削除しました")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("ヘルスチェックに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ヘルスチェックがステータス%dを返しました", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/tenkibot/internal/config"
	"github.com/hitoshi/tenkibot/internal/database"
	"github.com/hitoshi/tenkibot/internal/logger"
	"github.com/hitoshi/tenkibot/internal/middleware"
)

const (
	cleanupInterval = 24 * time.Hour
	shutdownTimeout = 30 * time.Second
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
		return nil, fmt.Errorf("failed to load config: %w", err)
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
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if cmd == CommandMigrate {
		return runMigrate(cfg)
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandAll:
		return runAll(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// 通知スケジューラは別プロセス（worker）で動かすため、設定変更は次回の同期で反映される。
func runServe(ctx context.Context, cfg *config.Config) error {
	s, err := newStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.backend == database.BackendMemory {
		slog.Warn("memory:// はプロセス間で共有されないため、通知を配信するには all コマンドで起動してください")
	}

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral))
	defer rl.Stop()

	return serveHTTP(ctx, cfg.ServerPort, s.newRouter(rl, nil))
}

// runWorker はワーカーモードで起動する。
// 通知スケジューラ・防災情報フィードの監視・配信記録のクリーンアップを実行し、
// /health と /metrics を公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	s, err := newStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	sched, err := s.newScheduler()
	if err != nil {
		return err
	}

	mux := s.newWorkerMux(sched)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(ctx)
		return nil
	})
	g.Go(func() error {
		s.newBulletinWatcher().Start(ctx, cfg.BulletinPollInterval)
		return nil
	})
	g.Go(func() error {
		s.newCleanupJob().Start(ctx, cleanupInterval)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(ctx, cfg.ServerPort, mux)
	})

	slog.Info("worker starting",
		slog.Int("max_concurrent", cfg.NotificationMaxConcurrent),
		slog.Duration("sync_interval", cfg.SchedulerSyncInterval),
	)
	err = g.Wait()
	slog.Info("worker stopped gracefully")
	return err
}

// runAll はAPIサーバーとワーカーを1プロセスで起動する。
// 通知設定が変更されたらスケジューラを即座に同期し、APIから通知予定を参照できる。
func runAll(ctx context.Context, cfg *config.Config) error {
	s, err := newStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	sched, err := s.newScheduler()
	if err != nil {
		return err
	}

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral))
	defer rl.Stop()

	g, ctx := errgroup.WithContext(ctx)
	router := s.newRouter(rl, sched)

	g.Go(func() error {
		sched.Start(ctx)
		return nil
	})
	g.Go(func() error {
		s.newBulletinWatcher().Start(ctx, cfg.BulletinPollInterval)
		return nil
	})
	g.Go(func() error {
		s.newCleanupJob().Start(ctx, cleanupInterval)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(ctx, cfg.ServerPort, router)
	})

	err = g.Wait()
	slog.Info("application stopped gracefully")
	return err
}

// serveHTTP はctxがキャンセルされるまでHTTPサーバーを動かし、その後グレースフルシャットダウンする。
func serveHTTP(ctx context.Context, port string, h http.Handler) error {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はログ出力用にDATABASE_URLの認証情報とクエリを伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	userinfo := ""
	if u.User != nil {
		userinfo = "***@"
	}
	return u.Scheme + "://" + userinfo + u.Host + u.Path
}

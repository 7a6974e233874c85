package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "edge-cd/docs" // Swagger docs
	"edge-cd/internal/api/router"
	"edge-cd/internal/pkg/config"
	"edge-cd/internal/pkg/database"
	"edge-cd/internal/pkg/logger"
)

// @title Edge CD API
// @version 1.0
// @description 边缘函数部署控制面 API
// @description 提供项目开通、代码部署、回滚、预构建模板与 Durable Object 用量限制

// @host localhost:8080
// @BasePath /

const (
	appVersion = "1.0.0"
	appName    = "edge-cd"

	shutdownTimeout = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "", "配置文件路径 (例如: -config=configs/config.yaml)")
	showVersion := flag.Bool("version", false, "显示版本信息")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, appVersion)
		return
	}

	path, source := resolveConfigPath(*configFile)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败 (%s, 来源: %s): %v\n", path, source, err)
		fmt.Fprintln(os.Stderr, "可通过 -config 参数或 CONFIG_FILE 环境变量指定配置文件")
		os.Exit(1)
	}

	if err := logger.Init(&cfg.Log, zap.String("service", appName), zap.String("version", appVersion)); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Close()
	}()
	logger.Info("配置已加载", zap.String("path", path), zap.String("source", source))

	if err := run(cfg); err != nil {
		logger.Error("服务异常退出", zap.Error(err))
		_ = logger.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := database.Init(&cfg.Database); err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	defer func() {
		_ = database.Close()
	}()
	logger.Info("数据库连接成功", zap.String("host", cfg.Database.Host), zap.Int("port", cfg.Database.Port), zap.String("database", cfg.Database.Database))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, database.GetDB(), logger.Log)
	if err != nil {
		return err
	}
	defer app.Close()

	if cfg.Enforcement.Enabled {
		if err := app.scheduler.Start(cfg.Enforcement.Cron); err != nil {
			return fmt.Errorf("启动用量检查调度失败: %w", err)
		}
		defer app.scheduler.Stop()
	}

	if app.consumer != nil {
		if err := app.consumer.Start(ctx); err != nil {
			return err
		}
	}

	r := router.Setup(cfg, router.Deps{
		DB:        database.GetDB(),
		Engine:    app.engine,
		Client:    app.client,
		Store:     app.store,
		Templates: app.templates,
		Enforcer:  app.scheduler,
	}, logger.Log)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("%s 服务启动", cfg.Server.Name), zap.String("address", srv.Addr), zap.String("mode", cfg.Server.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP 服务启动失败: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("服务正在关闭...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP 服务关闭异常", zap.Error(err))
	}
	logger.Info("服务已关闭")
	return nil
}

// resolveConfigPath 命令行参数 > CONFIG_FILE 环境变量 > configs/config.yaml
func resolveConfigPath(flagValue string) (path, source string) {
	if flagValue != "" {
		return flagValue, "命令行参数"
	}
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		return env, "环境变量"
	}
	return "configs/config.yaml", "默认配置"
}

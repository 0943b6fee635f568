package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"polyclaw/internal/app"
	"polyclaw/internal/cli"
	"polyclaw/internal/config"
	"polyclaw/internal/logger"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("读取 .env 失败: %v", err)
	}
	cfgPath := config.PathFromEnv()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetFormat(cfg.App.LogFormat)
	logger.SetLevel(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 子命令的表格输出走 stdout，日志改走 stderr。
	if args := os.Args[1:]; len(args) > 0 && args[0] != "serve" {
		if !cli.IsCommand(args[0]) {
			cli.Usage(os.Stderr)
			os.Exit(2)
		}
		var logOut io.Writer = os.Stderr
		if logFile != nil {
			logOut = io.MultiWriter(os.Stderr, logFile)
		}
		log.SetOutput(logOut)
		logger.SetOutput(logOut)
		if err := cli.Run(ctx, app.CommandDeps(cfg, os.Stdout), args); err != nil {
			stop()
			log.Fatalf("%v", err)
		}
		return
	}
	logger.Infof("✓ 配置加载成功（环境=%s，模式=%s，配置=%s）", cfg.App.Env, cfg.App.Mode, cfgPath)

	a, err := app.NewApp(ctx, cfg, app.WithConfigPath(cfgPath))
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("已退出")
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/poskeeper/internal/adapters/memstore"
	"github.com/betbot/poskeeper/internal/adapters/paperx"
	"github.com/betbot/poskeeper/internal/adapters/webhooknotify"
	"github.com/betbot/poskeeper/internal/controlplane/server"
	"github.com/betbot/poskeeper/internal/events"
	"github.com/betbot/poskeeper/internal/lifecycle"
	"github.com/betbot/poskeeper/internal/metrics"
	"github.com/betbot/poskeeper/internal/ports"
	"github.com/betbot/poskeeper/internal/reconciler"
	"github.com/betbot/poskeeper/internal/resolver"
	"github.com/betbot/poskeeper/pkg/config"
	"github.com/betbot/poskeeper/pkg/logger"
	"github.com/betbot/poskeeper/pkg/persistence"
	"github.com/betbot/poskeeper/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（.yaml/.yml）")
	envFile := flag.String("env", "", ".env 文件路径（可选）")
	flag.Parse()

	// .env 可选：不存在不算错误
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "加载 env 文件失败: %v\n", err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	if *configPath != "" {
		config.SetConfigPath(*configPath)
	} else if _, err := os.Stat("yml/poskeeper.yaml"); err == nil {
		config.SetConfigPath("yml/poskeeper.yaml")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	logrus.Info("🚀 启动持仓生命周期守护进程...")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	shutdownMgr := shutdown.NewManager()

	// 台账存储
	store, err := memstore.Open(memstore.Options{
		Dir:      cfg.Store.Dir,
		InMemory: cfg.Store.InMemory,
	})
	if err != nil {
		logrus.Errorf("打开台账存储失败: %v", err)
		os.Exit(1)
	}

	// 告警通道：未配置 webhook 时降级为日志
	var notifier ports.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = webhooknotify.New(webhooknotify.Config{
			WebhookURL: cfg.Notify.WebhookURL,
			Timeout:    cfg.NotifyTimeout(),
			Retries:    cfg.Notify.Retries,
		})
		logrus.Infof("告警 webhook 已配置: url=%s", cfg.Notify.WebhookURL)
	} else {
		notifier = webhooknotify.LogNotifier{}
		logrus.Warn("未配置告警 webhook，告警只写日志")
	}

	// 事件总线
	bus := events.NewBus(events.Config{
		LaneCapacity: cfg.Bus.LaneCapacity,
		WorkerCount:  cfg.Bus.WorkerCount,
	})
	bus.Start(rootCtx, cfg.Bus.WorkerCount)

	// 状态机
	machine := lifecycle.NewMachine(lifecycle.Config{
		MaxAttempts:     cfg.Lifecycle.MaxAttempts,
		BulkConcurrency: cfg.Lifecycle.BulkConcurrency,
	}, bus, notifier)

	// 身份识别器 + ID 登记表持久化
	idResolver := resolver.New(resolver.Options{
		PriceTolerance: cfg.Resolver.PriceTolerance,
		SizeTolerance:  cfg.Resolver.SizeTolerance,
		MaxAge:         time.Duration(cfg.Resolver.MaxAgeSec) * time.Second,
	}, store)

	var idStore persistence.Store
	if cfg.StateDir != "" {
		idStore = persistence.NewJSONFileService(cfg.StateDir).NewStore("state", "resolver", "id_registry")
		ids := map[string]string{}
		if err := idStore.Load(&ids); err != nil {
			if !errors.Is(err, persistence.ErrNotExists) {
				logrus.Warnf("恢复 ID 登记表失败: %v", err)
			}
		} else {
			idResolver.ImportIDs(ids)
			logrus.Infof("已恢复 ID 登记表: entries=%d", len(ids))
		}
	}

	// 交易所适配器：本仓库自带纸上实现，真实交易所经由 ports.ExchangeAdapter 接入
	exchange := paperx.New()

	// 对账引擎
	engine := reconciler.New(reconciler.Config{
		FetchAttempts:         cfg.Reconcile.FetchAttempts,
		SizeCriticalThreshold: cfg.Reconcile.SizeCriticalThreshold,
		PriceEpsilon:          cfg.Reconcile.PriceEpsilon,
		FastInterval:          time.Duration(cfg.Reconcile.FastIntervalSec) * time.Second,
		NormalInterval:        time.Duration(cfg.Reconcile.NormalIntervalSec) * time.Second,
		SlowInterval:          time.Duration(cfg.Reconcile.SlowIntervalSec) * time.Second,
		SweepMaxAge:           time.Duration(cfg.Reconcile.SweepMaxAgeSec) * time.Second,
		HistoryCap:            cfg.Reconcile.HistoryCap,
	}, store, exchange, notifier, bus, machine, idResolver)

	if err := engine.Start(rootCtx); err != nil {
		logrus.Errorf("启动对账引擎失败: %v", err)
		os.Exit(1)
	}

	// 控制面
	cp := server.New(server.Config{ListenAddr: cfg.ListenAddr}, store, machine, engine, bus)
	if err := cp.Start(rootCtx); err != nil {
		logrus.Errorf("启动控制面失败: %v", err)
		os.Exit(1)
	}

	// 可选：expvar/pprof
	if cfg.MetricsAddr != "" {
		if _, err := metrics.StartAsync(rootCtx, cfg.MetricsAddr); err != nil {
			logrus.Errorf("metrics/pprof 启动失败: %v", err)
		} else {
			logrus.Infof("📊 metrics/pprof 启用: listen=%s (expvar:/debug/vars, pprof:/debug/pprof)", cfg.MetricsAddr)
		}
	}

	// 关闭顺序：先停调度与控制面，再停总线，最后落盘
	shutdownMgr.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		engine.Stop()
	})
	shutdownMgr.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		if err := cp.Shutdown(ctx); err != nil {
			logrus.Errorf("关闭控制面失败: %v", err)
		}
	})
	shutdownMgr.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		bus.Stop()
	})
	shutdownMgr.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		if idStore != nil {
			if err := idStore.Save(idResolver.ExportIDs()); err != nil {
				logrus.Errorf("保存 ID 登记表失败: %v", err)
			}
		}
		if err := store.Close(); err != nil {
			logrus.Errorf("关闭台账存储失败: %v", err)
		}
	})

	logrus.Info("✅ 守护进程已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("收到停止信号，正在关闭...")
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	shutdownMgr.Shutdown(shutdownCtx)

	logrus.Info("✅ 守护进程已停止")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/host"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/sw"
	"github.com/any-hub/offline-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const (
	storageOpenTimeout = 10 * time.Second
	shutdownTimeout    = 15 * time.Second
	hostUpdateInterval = time.Minute
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Worker.Origin
		fields["cache_version"] = cfg.Worker.CacheVersion
		fields["assets"] = len(cfg.Worker.Assets)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存存储 → 回源 client → 宿主注册 worker → Fiber server。
	openCtx, cancel := context.WithTimeout(ctx, storageOpenTimeout)
	storage, err := cache.OpenStorage(openCtx, cfg.Global.StorageBackend, cfg.Global.StoragePath)
	cancel()
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	httpClient := server.NewUpstreamClient(cfg)
	fetcher, err := proxy.NewOriginFetcher(httpClient, cfg.Worker.OriginURL())
	if err != nil {
		fmt.Fprintf(stdErr, "初始化回源失败: %v\n", err)
		return 1
	}

	hub := host.New(host.Options{
		Logger:            logger,
		ClientIdleTimeout: cfg.Global.ClientIdleTimeout.DurationValue(),
	})
	registerWorker(ctx, hub, cfg.Worker, storage, fetcher, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Worker.Origin
	fields["cache_version"] = cfg.Worker.CacheVersion
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	var applied atomic.Pointer[config.Config]
	applied.Store(cfg)
	if _, err := config.Watch(opts.configPath, func(next *config.Config) {
		onConfigChange(ctx, hub, &applied, next, storage, fetcher, logger)
	}, func(err error) {
		logger.WithFields(logging.BaseFields("config_reload", opts.configPath)).WithError(err).Warn("配置重载失败，沿用当前版本")
	}); err != nil {
		logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).WithError(err).Warn("无法监听配置变更")
	}

	go runHostUpdates(ctx, hub, logger)

	handler := proxy.NewHandler(hub, fetcher, logger)
	if err := startHTTPServer(ctx, cfg, hub, storage, handler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("后台缓存写入未全部完成")
	}
	logger.WithField("action", "shutdown").Info("服务已停止")
	return 0
}

// newController 根据 Worker 配置构造一个版本的缓存策略。
func newController(wc config.WorkerConfig, storage cache.Storage, fetcher sw.Fetcher, logger *logrus.Logger) (*sw.Controller, error) {
	return sw.NewController(sw.Options{
		Version:            wc.CacheVersion,
		Manifest:           sw.NewManifest(wc.Assets),
		OfflineShell:       wc.OfflineShell,
		OfflineMessage:     wc.OfflineMessage,
		InstallConcurrency: wc.InstallConcurrency,
		BestEffortCleanup:  wc.BestEffortCleanup(),
		Storage:            storage,
		Fetcher:            fetcher,
		Logger:             logger,
	})
}

// registerWorker 安装并尝试激活新版本。失败时保留现有 worker；没有任何 worker 时所有请求直连源站。
func registerWorker(ctx context.Context, hub *host.Host, wc config.WorkerConfig, storage cache.Storage, fetcher sw.Fetcher, logger *logrus.Logger) {
	ctrl, err := newController(wc, storage, fetcher, logger)
	if err != nil {
		logger.WithFields(logging.WorkerFields("worker_register", wc.CacheVersion, "")).WithError(err).Error("无法构造 worker")
		return
	}
	if err := hub.Register(ctx, ctrl); err != nil {
		entry := logger.WithFields(logging.WorkerFields("worker_register", wc.CacheVersion, "")).WithError(err)
		switch {
		case errors.Is(err, host.ErrInstallFailed), errors.Is(err, host.ErrActivateFailed):
			entry.WithField("active_version", hub.ActiveVersion()).Error("新版本未生效")
		default:
			entry.Error("worker 注册失败")
		}
	}
}

// onConfigChange 只响应 Worker 段的变化；端口、存储等进程级配置需要重启才能生效。
// applied 保存上一次重载的配置，每次变更只提示一次。
func onConfigChange(ctx context.Context, hub *host.Host, applied *atomic.Pointer[config.Config], next *config.Config, storage cache.Storage, fetcher sw.Fetcher, logger *logrus.Logger) {
	current := applied.Swap(next)
	if current == nil {
		current = next
	}
	if next.Global != current.Global {
		logger.WithField("action", "config_reload").Warn("全局配置变更需要重启后生效")
	}
	if next.Worker.Origin != current.Worker.Origin {
		logger.WithField("action", "config_reload").Warn("Origin 变更需要重启后生效")
	}
	if next.Worker.CacheVersion == hub.ActiveVersion() {
		return
	}
	logger.WithFields(logging.WorkerFields("config_reload", next.Worker.CacheVersion, "")).
		WithField("previous_version", hub.ActiveVersion()).Info("检测到缓存版本变更")
	registerWorker(ctx, hub, next.Worker, storage, fetcher, logger)
}

func runHostUpdates(ctx context.Context, hub *host.Host, logger *logrus.Logger) {
	ticker := time.NewTicker(hostUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := hub.Update(ctx); err != nil {
				logger.WithField("action", "host_update").WithError(err).Warn("等待中的 worker 激活失败")
			}
		}
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, hub *host.Host, storage cache.Storage, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, hub, storage)

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("Fiber 关闭超时")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}

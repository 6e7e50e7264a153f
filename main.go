package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cacheproxy/internal/cache"
	"github.com/any-hub/cacheproxy/internal/codec"
	"github.com/any-hub/cacheproxy/internal/config"
	"github.com/any-hub/cacheproxy/internal/logging"
	"github.com/any-hub/cacheproxy/internal/metrics"
	"github.com/any-hub/cacheproxy/internal/proxy"
	"github.com/any-hub/cacheproxy/internal/server"
	"github.com/any-hub/cacheproxy/internal/server/routes"
	"github.com/any-hub/cacheproxy/internal/upstream"
	"github.com/any-hub/cacheproxy/internal/version"
	"github.com/any-hub/cacheproxy/internal/writeback"
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

// shutdownTimeout 限定停止监听与排空回写队列的总时长。
const shutdownTimeout = 15 * time.Second

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

	logger, err := logging.InitLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["backend"] = cfg.Cache.Backend
		fields["upstream"] = cfg.Upstream.URL
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存后端 → 回源客户端 → 回写池 → Fiber server，
	// 所有请求共享同一组实例。
	svc, err := buildService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	checkStore(svc.store, cfg, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Server.ListenPort
	fields["upstream"] = cfg.Upstream.URL
	fields["backend"] = cfg.Cache.Backend
	fields["ttl"] = cfg.Cache.TTL.DurationValue().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := startHTTPServer(ctx, svc.app, cfg.Server.ListenPort, logger)
	svc.shutdown(logger)
	if serveErr != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", serveErr)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
// 配置文件是可选的，未指定时完全依赖环境变量。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("cacheproxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "可选配置文件路径（可被 CACHEPROXY_CONFIG 提供默认值），环境变量优先")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("CACHEPROXY_CONFIG")
	if configFlag != "" {
		path = configFlag
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// service 持有进程级共享依赖，关闭顺序与构建顺序相反。
type service struct {
	app       *fiber.App
	store     cache.Store
	scheduler *writeback.Scheduler
	metrics   *metrics.Metrics
}

func buildService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	store, err := cache.NewStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存后端失败: %w", err)
	}

	fetcher, err := upstream.NewFetcher(cfg.Upstream, nil)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化回源客户端失败: %w", err)
	}

	m := metrics.New()
	scheduler := writeback.New(writeback.Options{
		Workers:   cfg.WriteBack.Workers,
		QueueSize: cfg.WriteBack.QueueSize,
		Logger:    logger,
		Observer:  m,
	})
	m.RegisterQueueDepth(scheduler.Depth)

	handler, err := proxy.NewHandler(proxy.Options{
		Store:     store,
		Fetcher:   fetcher,
		WriteBack: scheduler,
		Codec: codec.New(codec.Options{
			Level: cfg.Cache.CompressionLevel,
		}),
		Logger:           logger,
		Metrics:          m,
		TTL:              cfg.Cache.TTL.DurationValue(),
		KeyPrefix:        cfg.Cache.KeyPrefix,
		MaxBodyBytes:     cfg.Cache.MaxBodyBytes,
		OperationTimeout: cfg.Cache.OperationTimeout.DurationValue(),
	})
	if err != nil {
		scheduler.Close(context.Background())
		store.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy:  handler,
		Routes: []func(*fiber.App){
			func(app *fiber.App) {
				routes.RegisterAdminRoutes(app, routes.AdminOptions{
					Store:   store,
					Logger:  logger,
					Metrics: m,
					Timeout: cfg.Cache.OperationTimeout.DurationValue(),
				})
			},
			func(app *fiber.App) {
				routes.RegisterMetricsRoute(app, cfg.Server.MetricsPath, m.Handler())
			},
		},
	})
	if err != nil {
		scheduler.Close(context.Background())
		store.Close()
		return nil, err
	}

	return &service{app: app, store: store, scheduler: scheduler, metrics: m}, nil
}

// checkStore 在启动时探测缓存后端；失败只告警，代理照常服务。
func checkStore(store cache.Store, cfg *config.Config, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Cache.OperationTimeout.DurationValue())
	defer cancel()

	fields := logrus.Fields{"action": "cache_ping", "backend": cfg.Cache.Backend}
	if cfg.Cache.Backend == config.BackendValkey {
		fields["address"] = cfg.Redis.Address()
	}
	if err := store.Ping(ctx); err != nil {
		logger.WithError(err).WithFields(fields).Warn("cache_store_unreachable")
		return
	}
	logger.WithFields(fields).Info("cache_store_ready")
}

func (s *service) shutdown(logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.scheduler.Close(ctx); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"action":  "shutdown",
			"pending": s.scheduler.Depth(),
		}).Warn("writeback_drain_incomplete")
	}
	if err := s.store.Close(); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("cache_close_failed")
	}
	logger.WithField("action", "shutdown").Info("服务已停止")
}

// startHTTPServer 阻塞监听，ctx 取消后优雅停止。
func startHTTPServer(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，停止接收新请求")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

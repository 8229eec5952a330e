package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/config"
	"github.com/any-hub/image-hub/internal/fetch"
	"github.com/any-hub/image-hub/internal/logging"
	"github.com/any-hub/image-hub/internal/manager"
	"github.com/any-hub/image-hub/internal/metrics"
	"github.com/any-hub/image-hub/internal/proxy"
	"github.com/any-hub/image-hub/internal/server"
	"github.com/any-hub/image-hub/internal/server/routes"
	"github.com/any-hub/image-hub/internal/version"
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
		fields["store"] = cfg.Cache.Summary()
		fields["upstream"] = cfg.Global.Upstream
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	svc, err := buildService(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "服务初始化失败: %v\n", err)
		return 1
	}
	defer svc.storage.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["store"] = cfg.Cache.Summary()
	fields["upstream"] = cfg.Global.Upstream
	fields["listen_port"] = cfg.Global.ListenPort
	fields["max_entries"] = cfg.Cache.MaxEntries
	fields["prune_buffer"] = cfg.Cache.PruneBuffer
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(svc, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// service 聚合一次启动所需的全部组件。
type service struct {
	app     *fiber.App
	manager *manager.Manager
	storage cache.Storage
}

// buildService 按“缓存后端 → 上游 client → Manager（install/activate）→ Fiber app”顺序装配服务，
// 激活完成后才返回，保证监听前旧版本缓存已清理。
func buildService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	storage, err := server.NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存后端失败: %w", err)
	}

	origin, err := url.Parse(cfg.Global.Upstream)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("解析上游地址失败: %w", err)
	}

	recorder := metrics.NewRecorder()
	httpClient := server.NewUpstreamClient(cfg.Global)
	mgr, err := manager.New(manager.Options{
		Storage:   storage,
		Fetcher:   fetch.NewHTTPFetcher(httpClient, origin),
		Logger:    logger,
		Metrics:   recorder,
		StoreName: cfg.Cache.StoreName(),
		Origin:    origin,
		Limits: cache.Limits{
			MaxEntries:  cfg.Cache.MaxEntries,
			PruneBuffer: cfg.Cache.PruneBuffer,
		},
		WarmConcurrency: cfg.Cache.WarmConcurrency,
		MaxObjectSize:   cfg.Global.MaxObjectSize,
	})
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("初始化缓存管理器失败: %w", err)
	}

	if err := mgr.Install(ctx); err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("缓存安装失败: %w", err)
	}
	if _, err := mgr.Activate(ctx); err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("缓存激活失败: %w", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(mgr, origin, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Options{
		Manager: mgr,
		Metrics: recorder.Handler(),
		Logger:  logger,
	})

	return &service{app: app, manager: mgr, storage: storage}, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("image-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMAGE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("IMAGE_HUB_CONFIG")
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

// serve 监听端口直到收到 SIGINT/SIGTERM，随后关闭 Fiber 并等待后台淘汰、预热结束。
func serve(svc *service, port int, logger *logrus.Logger) error {
	signals, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-signals.Done()
		logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号")
		_ = svc.app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err := svc.app.Listen(fmt.Sprintf(":%d", port))
	svc.manager.Wait()
	return err
}

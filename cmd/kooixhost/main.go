package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/winspan/kooixhost/internal/config"
	"github.com/winspan/kooixhost/internal/hosts"
	"github.com/winspan/kooixhost/internal/storage"
	"github.com/winspan/kooixhost/internal/updater"
	"github.com/winspan/kooixhost/internal/web"
	svcconfig "github.com/winspan/kooixhost/pkg/config"
	"github.com/winspan/kooixhost/pkg/logger"
)

func main() {
	var (
		configPath string
		once       bool
		backup     bool
		testSource string
	)
	flag.StringVar(&configPath, "config", "configs/config.yaml", "path to config file")
	flag.BoolVar(&once, "once", false, "update hosts from sources once and exit")
	flag.BoolVar(&backup, "backup", false, "back up the hosts file and exit")
	flag.StringVar(&testSource, "test-source", "", "fetch a source URL, print it and exit")
	flag.Parse()

	cfg, err := svcconfig.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Output:  cfg.Logging.Output,
		MaxSize: cfg.Logging.MaxSize,
		Prefix:  "kooixhost",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	if cfg.IsDebug() {
		log.SetLevel(logger.DEBUG)
	}

	app, err := newApp(cfg, log)
	if err != nil {
		log.Error("初始化失败: %v", err)
		log.Close()
		os.Exit(1)
	}
	defer app.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	switch {
	case testSource != "":
		err = app.testSource(ctx, testSource)
	case backup:
		err = app.backup()
	case once:
		err = app.updateOnce(ctx)
	default:
		err = app.serve(ctx)
	}
	if err != nil {
		log.Error("%v", err)
		app.Close()
		log.Close()
		os.Exit(1)
	}
}

type app struct {
	cfg       *svcconfig.Config
	log       *logger.Logger
	store     *config.Store
	fetcher   *hosts.Fetcher
	history   *storage.History
	updater   *updater.Updater
	hostsPath string
}

func newApp(cfg *svcconfig.Config, log *logger.Logger) (*app, error) {
	statePath := cfg.State.ConfigFile
	if statePath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		statePath = p
	}
	store, err := config.Open(statePath)
	if err != nil {
		return nil, err
	}
	log.Info("用户配置: %s", statePath)

	fetcher, err := hosts.NewFetcher(hosts.FetcherConfig{
		ContentTimeout: cfg.GetContentTimeout(),
		ProbeTimeout:   cfg.GetProbeTimeout(),
		UserAgent:      cfg.Fetch.UserAgent,
		Proxy:          cfg.Fetch.Proxy,
	}, log)
	if err != nil {
		return nil, err
	}

	hostsPath := cfg.Hosts.Path
	if hostsPath == "" {
		hostsPath = hosts.DefaultHostsPath(runtime.GOOS)
	}

	a := &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		fetcher:   fetcher,
		hostsPath: hostsPath,
	}

	history, err := storage.NewHistory(cfg.Database.SQLiteFile)
	if err != nil {
		// 历史记录不可用不影响 hosts 更新
		log.Warn("打开历史数据库失败: %v", err)
	} else {
		a.history = history
	}

	a.updater = &updater.Updater{
		Store:      store,
		Aggregator: hosts.NewAggregator(fetcher, cfg.Fetch.Concurrency, log),
		Writer:     hosts.NewSystemWriter(runtime.GOOS, hosts.ExecRunner, log),
		HostsPath:  hostsPath,
		BackupDir:  cfg.Hosts.BackupDir,
		MaxBackups: cfg.Hosts.MaxBackups,
		Log:        log,
		Timeout:    cfg.GetUpdateTimeout(),
	}
	if a.history != nil {
		a.updater.History = a.history
	}
	return a, nil
}

func (a *app) Close() {
	if a.history != nil {
		_ = a.history.Close()
		a.history = nil
	}
}

func (a *app) testSource(ctx context.Context, url string) error {
	body, err := a.fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}
	fmt.Print(body)
	return nil
}

func (a *app) backup() error {
	path, err := hosts.Backup(a.hostsPath, a.cfg.Hosts.BackupDir, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func (a *app) updateOnce(ctx context.Context) error {
	report, err := a.updater.Update(ctx)
	if err != nil {
		return err
	}
	for _, s := range report.Sources {
		if s.OK {
			fmt.Printf("  ok    %s (%d bytes)\n", s.Name, s.Bytes)
		} else {
			fmt.Printf("  fail  %s: %s\n", s.Name, s.Error)
		}
	}
	fmt.Printf("hosts updated: %s\n", report.HostsPath)
	return nil
}

func (a *app) serve(ctx context.Context) error {
	r := chi.NewRouter()

	opts := web.Options{
		Store:         a.store,
		Updater:       a.updater,
		Fetcher:       a.fetcher,
		Prober:        a.fetcher,
		Resolver:      hosts.NewResolver(a.cfg.DNS.Upstream, a.cfg.GetDNSTimeout()),
		HostsPath:     a.hostsPath,
		BackupDir:     a.cfg.Hosts.BackupDir,
		Token:         a.cfg.Security.AdminToken,
		RateLimit:     a.cfg.Security.RateLimit,
		RateBurst:     a.cfg.Security.RateBurst,
		Timeout:       a.cfg.GetRequestTimeout(),
		UpdateTimeout: a.cfg.GetUpdateTimeout(),
		RequestLog:    a.cfg.IsDevelopment(),
		Log:           a.log,
	}
	if a.history != nil {
		opts.History = a.history
	}
	if a.cfg.Monitoring.Enabled {
		opts.MetricsPath = a.cfg.Monitoring.Path
	}
	web.BindRoutes(r, opts)

	httpSrv := &http.Server{
		Addr:              a.cfg.Server.HTTP,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	a.log.Info("http listening on %s, hosts file %s", a.cfg.Server.HTTP, a.hostsPath)

	scheduler := &updater.Scheduler{
		Updater:       a.updater,
		Store:         a.store,
		CheckInterval: a.cfg.GetCheckInterval(),
		Log:           a.log,
	}
	go scheduler.Run(ctx)

	// SIGHUP 重新加载用户配置
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		case err := <-errc:
			return fmt.Errorf("http listen: %w", err)
		case <-sighup:
			if err := a.store.Reload(); err != nil {
				a.log.Warn("重新加载用户配置失败: %v", err)
			} else {
				a.log.Info("用户配置已重新加载")
			}
		}
	}
}

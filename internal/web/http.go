package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/winspan/kooixhost/internal/config"
	"github.com/winspan/kooixhost/internal/hosts"
	"github.com/winspan/kooixhost/internal/storage"
	"github.com/winspan/kooixhost/internal/updater"
	"github.com/winspan/kooixhost/pkg/logger"
	"github.com/winspan/kooixhost/pkg/utils"
)

// Response 所有命令的统一返回结构
type Response struct {
	Success bool    `json:"success"`
	Data    any     `json:"data"`
	Error   *string `json:"error"`
}

// Updater 执行一次 hosts 更新
type Updater interface {
	Update(ctx context.Context) (*updater.Report, error)
}

// Resolver 查询域名的 A 记录
type Resolver interface {
	Resolve(ctx context.Context, domain string) ([]string, error)
}

// History 更新和探测历史
type History interface {
	ListRuns(ctx context.Context, limit int) ([]storage.Run, error)
	SaveConnectivity(ctx context.Context, results []hosts.ConnectivityTestResult, at time.Time) error
	ListConnectivity(ctx context.Context, limit int) ([]storage.ConnectivityRecord, error)
}

// Options 路由依赖
type Options struct {
	Store         *config.Store
	Updater       Updater
	Fetcher       hosts.ContentFetcher
	Prober        hosts.Prober
	Resolver      Resolver
	History       History
	HostsPath     string
	BackupDir     string
	Token         string
	RateLimit     int
	RateBurst     int
	Timeout       time.Duration
	UpdateTimeout time.Duration // /api/update 的请求超时，为 0 时使用 Timeout
	RequestLog    bool          // 输出每个请求的访问日志
	MetricsPath   string
	Log           *logger.Logger
}

type Api struct {
	store     *config.Store
	updater   Updater
	fetcher   hosts.ContentFetcher
	prober    hosts.Prober
	resolver  Resolver
	history   History
	hostsPath string
	backupDir string
	token     string
	limiter   *rate.Limiter
	log       *logger.Logger
}

func BindRoutes(r chi.Router, opts Options) {
	api := &Api{
		store:     opts.Store,
		updater:   opts.Updater,
		fetcher:   opts.Fetcher,
		prober:    opts.Prober,
		resolver:  opts.Resolver,
		history:   opts.History,
		hostsPath: opts.HostsPath,
		backupDir: opts.BackupDir,
		token:     opts.Token,
		log:       opts.Log,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = opts.RateLimit
		}
		api.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	updateTimeout := opts.UpdateTimeout
	if updateTimeout <= 0 {
		updateTimeout = timeout
	}

	// 中间件
	r.Use(middleware.RequestID, middleware.RealIP)
	if opts.RequestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	if opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, promhttp.Handler())
	}

	r.With(middleware.Timeout(timeout)).Get("/api/health", api.health)
	r.Group(func(pr chi.Router) {
		pr.Use(api.rateLimit, api.auth)

		// 更新可能逐个下载多个订阅源，单独设置超时
		pr.With(middleware.Timeout(updateTimeout)).Post("/api/update", api.update)

		pr.Group(func(tr chi.Router) {
			tr.Use(middleware.Timeout(timeout))

			tr.Get("/api/hosts", api.getHosts)
			tr.Get("/api/hosts/regions", api.getRegions)
			tr.Get("/api/config", api.getConfig)
			tr.Put("/api/config", api.putConfig)

			// 备份
			tr.Post("/api/backup", api.backup)
			tr.Get("/api/backups", api.listBackups)

			// 订阅源与连通性测试
			tr.Post("/api/sources/test", api.testSource)
			tr.Post("/api/connectivity/test", api.testConnectivity)
			tr.Post("/api/connectivity/batch", api.testBatch)
			tr.Post("/api/connectivity/hosts", api.testHostsDomains)
			tr.Get("/api/connectivity/history", api.connectivityHistory)

			tr.Get("/api/history", api.updateHistory)
			tr.Get("/api/dns/resolve", api.resolve)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// fail 命令执行失败仍返回 200，错误信息放在 error 字段
func fail(w http.ResponseWriter, err error) {
	msg := err.Error()
	writeJSON(w, http.StatusOK, Response{Success: false, Error: &msg})
}

func reject(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: &msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		reject(w, http.StatusBadRequest, "请求格式错误: "+err.Error())
		return false
	}
	return true
}

func queryLimit(r *http.Request, def int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			return l
		}
	}
	return def
}

func (a *Api) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 如果token为空，跳过认证
		if a.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") || strings.TrimPrefix(h, "Bearer ") != a.token {
			reject(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Api) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil && !a.limiter.Allow() {
			reject(w, http.StatusTooManyRequests, "请求过于频繁")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Api) health(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

func (a *Api) getHosts(w http.ResponseWriter, r *http.Request) {
	content, err := hosts.ReadHosts(a.hostsPath)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, content)
}

func (a *Api) getRegions(w http.ResponseWriter, r *http.Request) {
	content, err := hosts.ReadHosts(a.hostsPath)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, hosts.Parse(content))
}

func (a *Api) getConfig(w http.ResponseWriter, r *http.Request) {
	ok(w, a.store.Snapshot())
}

func (a *Api) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.AppConfig
	if !decode(w, r, &cfg) {
		return
	}
	if err := a.store.Replace(cfg); err != nil {
		fail(w, err)
		return
	}
	a.log.Info("配置已保存: %d 个订阅源", len(cfg.Sources))
	ok(w, nil)
}

func (a *Api) update(w http.ResponseWriter, r *http.Request) {
	report, err := a.updater.Update(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, report)
}

func (a *Api) backup(w http.ResponseWriter, r *http.Request) {
	path, err := hosts.Backup(a.hostsPath, a.backupDir, time.Now())
	if err != nil {
		fail(w, err)
		return
	}
	a.log.Info("hosts 已备份到 %s", path)
	ok(w, path)
}

func (a *Api) listBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := hosts.ListBackups(a.hostsPath, a.backupDir)
	if err != nil {
		fail(w, err)
		return
	}
	if backups == nil {
		backups = []hosts.BackupInfo{}
	}
	ok(w, backups)
}

func (a *Api) testSource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if !decode(w, r, &body) {
		return
	}

	content, err := a.fetcher.Fetch(r.Context(), body.URL)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, content)
}

func (a *Api) saveProbes(results []hosts.ConnectivityTestResult) {
	if a.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.history.SaveConnectivity(ctx, results, time.Now()); err != nil {
		a.log.Warn("保存探测记录失败: %v", err)
	}
}

func (a *Api) testConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Domain string `json:"domain"`
	}
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Domain) == "" {
		fail(w, errors.New("域名不能为空"))
		return
	}

	result := a.prober.Probe(r.Context(), body.Domain)
	a.saveProbes([]hosts.ConnectivityTestResult{result})
	ok(w, result)
}

func (a *Api) testBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Domains []string `json:"domains"`
	}
	if !decode(w, r, &body) {
		return
	}

	// 未指定域名时测试内置域名
	domains := body.Domains
	if len(domains) == 0 {
		domains = hosts.BuiltinTestDomains()
	}

	results := hosts.TestMultipleDomains(r.Context(), a.prober, domains)
	a.saveProbes(results)
	ok(w, results)
}

func (a *Api) testHostsDomains(w http.ResponseWriter, r *http.Request) {
	content, err := hosts.ReadHosts(a.hostsPath)
	if err != nil {
		fail(w, err)
		return
	}

	results := hosts.TestMultipleDomains(r.Context(), a.prober, hosts.ExtractTestDomains(content))
	a.saveProbes(results)
	ok(w, results)
}

func (a *Api) updateHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		fail(w, errors.New("历史记录未启用"))
		return
	}

	runs, err := a.history.ListRuns(r.Context(), queryLimit(r, 20))
	if err != nil {
		fail(w, err)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	ok(w, runs)
}

func (a *Api) connectivityHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		fail(w, errors.New("历史记录未启用"))
		return
	}

	records, err := a.history.ListConnectivity(r.Context(), queryLimit(r, 50))
	if err != nil {
		fail(w, err)
		return
	}
	if records == nil {
		records = []storage.ConnectivityRecord{}
	}
	ok(w, records)
}

// ResolveResult DNS 解析结果与 hosts 映射的对比
type ResolveResult struct {
	Domain string   `json:"domain"`
	DNS    []string `json:"dns"`
	Hosts  []string `json:"hosts"`
	Match  bool     `json:"match"`
}

func (a *Api) resolve(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	if !utils.IsValidDomain(domain) {
		fail(w, fmt.Errorf("无效的域名: %q", domain))
		return
	}
	if a.resolver == nil {
		fail(w, errors.New("DNS 解析未启用"))
		return
	}

	ips, err := a.resolver.Resolve(r.Context(), domain)
	if err != nil {
		fail(w, err)
		return
	}

	res := ResolveResult{Domain: domain, DNS: ips, Hosts: []string{}}
	if content, err := hosts.ReadHosts(a.hostsPath); err == nil {
		if mapped := hosts.LookupHosts(content, domain); mapped != nil {
			res.Hosts = mapped
		}
	}
	if res.DNS == nil {
		res.DNS = []string{}
	}
	res.Match = overlaps(res.DNS, res.Hosts)
	ok(w, res)
}

func overlaps(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, found := set[s]; found {
			return true
		}
	}
	return false
}

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winspan/kooixhost/internal/config"
	"github.com/winspan/kooixhost/internal/hosts"
	"github.com/winspan/kooixhost/internal/storage"
	"github.com/winspan/kooixhost/internal/updater"
)

type stubUpdater struct {
	report *updater.Report
	err    error
}

func (u *stubUpdater) Update(context.Context) (*updater.Report, error) {
	return u.report, u.err
}

type stubFetcher map[string]string

func (f stubFetcher) Fetch(_ context.Context, url string) (string, error) {
	if body, ok := f[url]; ok {
		return body, nil
	}
	return "", &hosts.FetchError{URL: url, Err: errors.New("connection refused")}
}

type stubProber struct{}

func (stubProber) Probe(_ context.Context, domain string) hosts.ConnectivityTestResult {
	if domain == "down.example" {
		msg := "dial tcp: no such host"
		return hosts.ConnectivityTestResult{Domain: domain, Error: &msg}
	}
	code, ms := 200, int64(12)
	return hosts.ConnectivityTestResult{Domain: domain, Success: true, StatusCode: &code, ResponseTimeMS: &ms}
}

type stubResolver map[string][]string

func (r stubResolver) Resolve(_ context.Context, domain string) ([]string, error) {
	if ips, ok := r[domain]; ok {
		return ips, nil
	}
	return nil, errors.New("查询 " + domain + " 返回 NXDOMAIN")
}

type memHistory struct {
	mu     sync.Mutex
	runs   []storage.Run
	probes []hosts.ConnectivityTestResult
}

func (h *memHistory) ListRuns(context.Context, int) ([]storage.Run, error) {
	return h.runs, nil
}

func (h *memHistory) SaveConnectivity(_ context.Context, results []hosts.ConnectivityTestResult, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, results...)
	return nil
}

func (h *memHistory) ListConnectivity(context.Context, int) ([]storage.ConnectivityRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []storage.ConnectivityRecord
	for _, p := range h.probes {
		out = append(out, storage.ConnectivityRecord{ConnectivityTestResult: p})
	}
	return out, nil
}

const sampleHosts = "127.0.0.1 localhost\n\n" + hosts.MarkerStart + "\n140.82.112.3 github.com\n" + hosts.MarkerEnd + "\n"

type testEnv struct {
	srv     *httptest.Server
	opts    Options
	history *memHistory
}

func newEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")
	require.NoError(t, os.WriteFile(path, []byte(sampleHosts), 0644))

	history := &memHistory{}
	opts := Options{
		Store:     config.NewMemoryStore(config.Default()),
		Updater:   &stubUpdater{report: &updater.Report{ID: "run-1", Bytes: 42}},
		Fetcher:   stubFetcher{"http://source/hosts": "1.1.1.1 a.com"},
		Prober:    stubProber{},
		Resolver:  stubResolver{"github.com": {"140.82.112.3"}, "api.github.com": {"20.205.243.168"}},
		History:   history,
		HostsPath: path,
		BackupDir: filepath.Join(dir, "backups"),
	}
	if mutate != nil {
		mutate(&opts)
	}

	r := chi.NewRouter()
	BindRoutes(r, opts)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, opts: opts, history: history}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) (int, Response) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	env := newEnv(t, nil)
	code, resp := env.do(t, http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
}

func TestEnvelopeNulls(t *testing.T) {
	env := newEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/api/hosts")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, true, raw["success"])
	v, present := raw["error"]
	assert.True(t, present)
	assert.Nil(t, v)
	assert.Equal(t, sampleHosts, raw["data"])
}

func TestReadHostsFailure(t *testing.T) {
	env := newEnv(t, func(o *Options) { o.HostsPath = filepath.Join(t.TempDir(), "missing") })
	code, resp := env.do(t, http.MethodGet, "/api/hosts", nil)

	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Success)
	assert.Nil(t, resp.Data)
	require.NotNil(t, resp.Error)
	assert.Contains(t, *resp.Error, "无法读取")
}

func TestRegions(t *testing.T) {
	env := newEnv(t, nil)
	_, resp := env.do(t, http.MethodGet, "/api/hosts/regions", nil)

	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "127.0.0.1 localhost", data["custom"])
	assert.Equal(t, hosts.MarkerStart+"\n140.82.112.3 github.com\n"+hosts.MarkerEnd, data["managed"])
}

func TestGetAndPutConfig(t *testing.T) {
	env := newEnv(t, nil)

	_, resp := env.do(t, http.MethodGet, "/api/config", nil)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Len(t, data["sources"], 2)
	assert.Equal(t, float64(24), data["update_interval_hours"])

	next := config.AppConfig{
		Sources:             []hosts.HostSource{{Name: "mine", URL: "https://example.com/hosts", Enabled: true}},
		AutoUpdate:          true,
		UpdateIntervalHours: 12,
	}
	_, resp = env.do(t, http.MethodPut, "/api/config", next)
	require.True(t, resp.Success)
	assert.Equal(t, next.Sources, env.opts.Store.Sources())

	_, resp = env.do(t, http.MethodPut, "/api/config", config.AppConfig{UpdateIntervalHours: 0})
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)

	code, resp := env.do(t, http.MethodPut, "/api/config", "{broken")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
}

func TestUpdateCommand(t *testing.T) {
	env := newEnv(t, nil)
	_, resp := env.do(t, http.MethodPost, "/api/update", nil)
	require.True(t, resp.Success)
	assert.Equal(t, "run-1", resp.Data.(map[string]any)["id"])

	failing := newEnv(t, func(o *Options) {
		o.Updater = &stubUpdater{err: &hosts.PrivilegeError{Path: "/etc/hosts", Err: hosts.ErrElevationUnavailable}}
	})
	code, resp := failing.do(t, http.MethodPost, "/api/update", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Success)
	assert.Contains(t, *resp.Error, "管理员")
}

func TestBackupAndList(t *testing.T) {
	env := newEnv(t, nil)

	_, resp := env.do(t, http.MethodGet, "/api/backups", nil)
	require.True(t, resp.Success)
	assert.Empty(t, resp.Data)

	_, resp = env.do(t, http.MethodPost, "/api/backup", nil)
	require.True(t, resp.Success)
	path := resp.Data.(string)
	assert.FileExists(t, path)

	_, resp = env.do(t, http.MethodGet, "/api/backups", nil)
	require.True(t, resp.Success)
	assert.Len(t, resp.Data, 1)
}

func TestSourceTest(t *testing.T) {
	env := newEnv(t, nil)

	_, resp := env.do(t, http.MethodPost, "/api/sources/test", map[string]string{"url": "http://source/hosts"})
	require.True(t, resp.Success)
	assert.Equal(t, "1.1.1.1 a.com", resp.Data)

	_, resp = env.do(t, http.MethodPost, "/api/sources/test", map[string]string{"url": "http://other"})
	assert.False(t, resp.Success)
	assert.Contains(t, *resp.Error, "http://other")
}

func TestConnectivityCommands(t *testing.T) {
	env := newEnv(t, nil)

	_, resp := env.do(t, http.MethodPost, "/api/connectivity/test", map[string]string{"domain": "github.com"})
	require.True(t, resp.Success)
	single := resp.Data.(map[string]any)
	assert.Equal(t, true, single["success"])
	assert.Equal(t, float64(200), single["status_code"])

	_, resp = env.do(t, http.MethodPost, "/api/connectivity/batch", map[string][]string{"domains": {"github.com", "down.example"}})
	require.True(t, resp.Success)
	batch := resp.Data.([]any)
	require.Len(t, batch, 2)
	down := batch[1].(map[string]any)
	assert.Equal(t, false, down["success"])
	assert.Nil(t, down["status_code"])
	assert.Nil(t, down["response_time_ms"])
	assert.NotNil(t, down["error"])

	_, resp = env.do(t, http.MethodPost, "/api/connectivity/hosts", nil)
	require.True(t, resp.Success)
	fromHosts := resp.Data.([]any)
	require.Len(t, fromHosts, 1)
	assert.Equal(t, "github.com", fromHosts[0].(map[string]any)["domain"])

	_, resp = env.do(t, http.MethodPost, "/api/connectivity/test", map[string]string{"domain": " "})
	assert.False(t, resp.Success)

	_, resp = env.do(t, http.MethodGet, "/api/connectivity/history", nil)
	require.True(t, resp.Success)
	assert.Len(t, resp.Data, 4)
}

func TestUpdateHistory(t *testing.T) {
	env := newEnv(t, nil)
	env.history.runs = []storage.Run{{ID: "r1", Success: true}}

	_, resp := env.do(t, http.MethodGet, "/api/history?limit=5", nil)
	require.True(t, resp.Success)
	runs := resp.Data.([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].(map[string]any)["id"])

	disabled := newEnv(t, func(o *Options) { o.History = nil })
	_, resp = disabled.do(t, http.MethodGet, "/api/history", nil)
	assert.False(t, resp.Success)
}

func TestResolve(t *testing.T) {
	env := newEnv(t, nil)

	_, resp := env.do(t, http.MethodGet, "/api/dns/resolve?domain=github.com", nil)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, []any{"140.82.112.3"}, data["dns"])
	assert.Equal(t, []any{"140.82.112.3"}, data["hosts"])
	assert.Equal(t, true, data["match"])

	_, resp = env.do(t, http.MethodGet, "/api/dns/resolve?domain=api.github.com", nil)
	require.True(t, resp.Success)
	data = resp.Data.(map[string]any)
	assert.Equal(t, []any{}, data["hosts"])
	assert.Equal(t, false, data["match"])

	_, resp = env.do(t, http.MethodGet, "/api/dns/resolve?domain=missing.example", nil)
	assert.False(t, resp.Success)
	assert.Contains(t, *resp.Error, "NXDOMAIN")

	_, resp = env.do(t, http.MethodGet, "/api/dns/resolve?domain=bad_domain!", nil)
	assert.False(t, resp.Success)
}

func TestAuth(t *testing.T) {
	env := newEnv(t, func(o *Options) { o.Token = "secret" })

	code, resp := env.do(t, http.MethodGet, "/api/config", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, resp.Success)

	code, resp = env.do(t, http.MethodGet, "/api/config", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	// 健康检查不需要认证
	code, _ = env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestRateLimit(t *testing.T) {
	env := newEnv(t, func(o *Options) {
		o.RateLimit = 1
		o.RateBurst = 2
	})

	var codes []int
	for i := 0; i < 4; i++ {
		code, _ := env.do(t, http.MethodGet, "/api/config", nil)
		codes = append(codes, code)
	}

	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Contains(t, codes[2:], http.StatusTooManyRequests)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t, func(o *Options) { o.MetricsPath = "/metrics" })
	hosts.ObserveUpdate(true, time.Now())

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(buf.String(), "kooixhost_updates_total"))
}

type slowUpdater struct {
	delay time.Duration
}

func (u slowUpdater) Update(ctx context.Context) (*updater.Report, error) {
	select {
	case <-time.After(u.delay):
		return &updater.Report{ID: "slow"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestUpdateUsesOwnTimeout(t *testing.T) {
	env := newEnv(t, func(o *Options) {
		o.Updater = slowUpdater{delay: 100 * time.Millisecond}
		o.Timeout = 20 * time.Millisecond
		o.UpdateTimeout = 5 * time.Second
	})

	code, resp := env.do(t, http.MethodPost, "/api/update", nil)
	assert.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)
	assert.Equal(t, "slow", resp.Data.(map[string]any)["id"])
}

func TestBatchDefaultsToBuiltinDomains(t *testing.T) {
	env := newEnv(t, nil)

	_, resp := env.do(t, http.MethodPost, "/api/connectivity/batch", map[string][]string{"domains": {}})
	require.True(t, resp.Success)
	results := resp.Data.([]any)
	require.Len(t, results, len(hosts.BuiltinTestDomains()))
	assert.Equal(t, "github.com", results[0].(map[string]any)["domain"])
	assert.Len(t, env.history.probes, len(hosts.BuiltinTestDomains()))
}

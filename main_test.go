package main

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/host"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/sw"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("OFFLINE_HUB_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	out := stdOut.(*bytes.Buffer).String()
	if !strings.Contains(out, "offline-hub") {
		t.Fatalf("version 输出应包含 offline-hub 标识")
	}
	if !strings.Contains(out, sw.DefaultCacheVersion) {
		t.Fatalf("version 输出应包含默认缓存版本，得到 %q", out)
	}
}

func TestParseCLIFlagsDefaultPath(t *testing.T) {
	t.Setenv("OFFLINE_HUB_CONFIG", "")

	opts, err := parseCLIFlags([]string{"-check-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "config.toml" || !opts.checkOnly {
		t.Fatalf("默认配置路径或 check 标志不正确: %+v", opts)
	}

	if _, err := parseCLIFlags([]string{"--unknown"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestOnConfigChangeRegistersNewVersion(t *testing.T) {
	storage, err := cache.NewFSStorage(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("初始化存储失败: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	fetcher := sw.FetcherFunc(func(_ context.Context, req *sw.Request) (*cache.Response, error) {
		return &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(req.URL)}, nil
	})
	logger := logging.Discard()
	hub := host.New(host.Options{Logger: logger})

	current := &config.Config{Worker: config.WorkerConfig{
		Origin:       "http://127.0.0.1:8080",
		CacheVersion: "holy-huddle-v3",
		Assets:       []string{"/"},
	}}
	registerWorker(context.Background(), hub, current.Worker, storage, fetcher, logger)
	if got := hub.ActiveVersion(); got != "holy-huddle-v3" {
		t.Fatalf("期望 v3 处于激活状态，得到 %s", got)
	}

	var applied atomic.Pointer[config.Config]
	applied.Store(current)
	next := *current
	next.Worker.CacheVersion = "holy-huddle-v4"
	onConfigChange(context.Background(), hub, &applied, &next, storage, fetcher, logger)
	if got := hub.ActiveVersion(); got != "holy-huddle-v4" {
		t.Fatalf("版本变更后应激活 v4，得到 %s", got)
	}

	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("列出缓存失败: %v", err)
	}
	if len(names) != 1 || names[0] != "holy-huddle-v4" {
		t.Fatalf("旧缓存应被清理，得到 %v", names)
	}

	// 相同版本的重载不会重新安装。
	before := hub.Status().Active.ID
	onConfigChange(context.Background(), hub, &applied, &next, storage, fetcher, logger)
	if hub.Status().Active.ID != before {
		t.Fatalf("相同版本不应替换 active worker")
	}
}

func TestOnConfigChangeWarnsOncePerChange(t *testing.T) {
	storage, err := cache.NewFSStorage(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("初始化存储失败: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	fetcher := sw.FetcherFunc(func(_ context.Context, req *sw.Request) (*cache.Response, error) {
		return &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(req.URL)}, nil
	})
	var buf bytes.Buffer
	logger := logging.Discard()
	logger.SetOutput(&buf)
	hub := host.New(host.Options{Logger: logger})

	startup := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Worker: config.WorkerConfig{Origin: "http://127.0.0.1:8080", CacheVersion: "holy-huddle-v4", Assets: []string{"/"}},
	}
	registerWorker(context.Background(), hub, startup.Worker, storage, fetcher, logger)

	var applied atomic.Pointer[config.Config]
	applied.Store(startup)

	moved := *startup
	moved.Global.ListenPort = 5050
	onConfigChange(context.Background(), hub, &applied, &moved, storage, fetcher, logger)

	// 再次保存同一份文件，不应重复提示。
	again := moved
	onConfigChange(context.Background(), hub, &applied, &again, storage, fetcher, logger)

	if got := strings.Count(buf.String(), "全局配置变更需要重启后生效"); got != 1 {
		t.Fatalf("全局配置变更应只提示一次，得到 %d 次", got)
	}
	if applied.Load() != &again {
		t.Fatalf("应记录最近一次重载的配置")
	}
}

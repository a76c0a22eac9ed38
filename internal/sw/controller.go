package sw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Options 描述一个版本的缓存策略及其依赖。
type Options struct {
	Version            string
	Manifest           Manifest
	OfflineShell       string
	OfflineMessage     string
	InstallConcurrency int
	// BestEffortCleanup 为 true 时，激活阶段删除旧缓存失败只记录日志。
	BestEffortCleanup bool

	Storage cache.Storage
	Fetcher Fetcher
	Signals Signals
	Logger  *logrus.Logger
	Now     func() time.Time
}

// Controller 是单个缓存版本的策略实例，由宿主驱动 Install/Activate/Fetch。
type Controller struct {
	version        string
	manifest       Manifest
	offlineShell   string
	offlineMessage string
	concurrency    int
	bestEffort     bool

	storage cache.Storage
	fetcher Fetcher
	logger  *logrus.Logger
	now     func() time.Time

	mu      sync.RWMutex
	signals Signals
	report  *InstallReport
}

// InstallReport 汇总一次预缓存的结果。
type InstallReport struct {
	Version    string            `json:"version"`
	Cached     []string          `json:"cached"`
	Failed     map[string]string `json:"failed"`
	FinishedAt time.Time         `json:"finished_at"`
}

// NewController 校验依赖并创建控制器。
func NewController(opts Options) (*Controller, error) {
	if err := cache.ValidateName(opts.Version); err != nil {
		return nil, fmt.Errorf("cache version: %w", err)
	}
	if opts.Storage == nil {
		return nil, errors.New("sw: storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("sw: fetcher is required")
	}
	if opts.OfflineShell == "" {
		opts.OfflineShell = DefaultOfflineShell
	}
	if opts.OfflineMessage == "" {
		opts.OfflineMessage = DefaultOfflineMessage
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 4
	}
	if opts.Signals == nil {
		opts.Signals = noopSignals{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		version:        opts.Version,
		manifest:       opts.Manifest,
		offlineShell:   opts.OfflineShell,
		offlineMessage: opts.OfflineMessage,
		concurrency:    opts.InstallConcurrency,
		bestEffort:     opts.BestEffortCleanup,
		storage:        opts.Storage,
		fetcher:        opts.Fetcher,
		logger:         opts.Logger,
		now:            opts.Now,
		signals:        opts.Signals,
	}, nil
}

// Version 返回控制器负责的缓存名称。
func (c *Controller) Version() string {
	return c.version
}

// Attach 替换生命周期信号接收方，宿主在注册 worker 时调用。
func (c *Controller) Attach(signals Signals) {
	if signals == nil {
		signals = noopSignals{}
	}
	c.mu.Lock()
	c.signals = signals
	c.mu.Unlock()
}

// LastInstall 返回最近一次安装的结果，尚未安装时为 nil。
func (c *Controller) LastInstall() *InstallReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}

func (c *Controller) currentSignals() Signals {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signals
}

func (c *Controller) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"cache_version": c.version,
	}
}

// Install 打开当前版本的缓存并尽力预缓存清单中的每个路径。
// 单个资源失败不会让安装失败，只有缓存无法打开时才返回错误。
func (c *Controller) Install(ev *ExtendableEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		store, err := c.storage.Open(ctx, c.version)
		if err != nil {
			return fmt.Errorf("open cache %s: %w", c.version, err)
		}

		report := c.precache(ctx, store)
		c.mu.Lock()
		c.report = report
		c.mu.Unlock()

		c.logger.WithFields(c.fields("install_complete")).WithFields(logrus.Fields{
			"assets_total":  c.manifest.Len(),
			"assets_cached": len(report.Cached),
			"assets_failed": len(report.Failed),
		}).Info("pre-cache finished")

		c.currentSignals().SkipWaiting()
		return nil
	})
}

func (c *Controller) precache(ctx context.Context, store cache.Cache) *InstallReport {
	report := &InstallReport{
		Version: c.version,
		Failed:  make(map[string]string),
	}
	var mu sync.Mutex

	var group errgroup.Group
	group.SetLimit(c.concurrency)
	for _, path := range c.manifest.Paths() {
		group.Go(func() error {
			err := c.cacheAsset(ctx, store, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[path] = err.Error()
				c.logger.WithFields(c.fields("install_asset_failed")).WithFields(logrus.Fields{
					"path":  path,
					"error": err.Error(),
				}).Warn("asset skipped")
				return nil
			}
			report.Cached = append(report.Cached, path)
			return nil
		})
	}
	_ = group.Wait()

	sort.Strings(report.Cached)
	report.FinishedAt = c.now()
	return report
}

func (c *Controller) cacheAsset(ctx context.Context, store cache.Cache, path string) error {
	req := NewRequest(http.MethodGet, path, nil, nil)
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	return store.Put(ctx, req.Key(), resp)
}

// Fetch 对 GET 请求执行缓存优先策略；非 GET 请求不做处理，由宿主直连网络。
func (c *Controller) Fetch(ev *FetchEvent) {
	req := ev.Request
	if req == nil || req.Method != http.MethodGet {
		return
	}
	ctx := ev.RequestContext()

	// 只查找不创建：缓存由 Install 建立，激活新版本后被删除的旧缓存不能被迟到的请求重建。
	store, found, err := c.storage.Lookup(ctx, c.version)
	switch {
	case err != nil:
		c.logger.WithFields(c.fields("cache_open_failed")).WithError(err).Warn("serving without cache")
		store = nil
	case !found:
		c.logger.WithFields(c.fields("cache_missing")).Debug("serving without cache")
		store = nil
	}

	if store != nil {
		cached, err := store.Match(ctx, req.Key())
		if err == nil {
			_ = ev.RespondWith(cached, OutcomeHit)
			return
		}
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.WithFields(c.fields("cache_match_failed")).WithError(err).Warn("treating as miss")
		}
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err == nil {
		_ = ev.RespondWith(resp, OutcomeMiss)
		if store != nil {
			c.storeLater(ev, store, req.Key(), resp.Clone())
		}
		return
	}

	c.logger.WithFields(c.fields("network_failed")).WithFields(logrus.Fields{
		"path":  req.URL,
		"error": err.Error(),
	}).Debug("falling back to offline response")
	resp, outcome := c.offline(ctx, store, req)
	_ = ev.RespondWith(resp, outcome)
}

// storeLater 在响应返回后异步写入缓存，失败只记录日志，不影响已发出的响应。
func (c *Controller) storeLater(ev *FetchEvent, store cache.Cache, key cache.Key, resp *cache.Response) {
	ev.WaitUntil(func(ctx context.Context) error {
		if err := store.Put(ctx, key, resp); err != nil {
			c.logger.WithFields(c.fields("cache_put_skipped")).WithFields(logrus.Fields{
				"key":   key.String(),
				"error": err.Error(),
			}).Debug("response not cached")
		}
		return nil
	})
}

func (c *Controller) offline(ctx context.Context, store cache.Cache, req *Request) (*cache.Response, Outcome) {
	if req.IsNavigation() && store != nil {
		shell, err := store.Match(ctx, cache.NewKey(http.MethodGet, c.offlineShell))
		if err == nil {
			return shell, OutcomeOfflineShell
		}
	}
	return c.offlineResponse(), OutcomeOffline
}

func (c *Controller) offlineResponse() *cache.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   []byte(c.offlineMessage),
	}
}

// Activate 删除除当前版本外的所有缓存，然后请求宿主接管全部客户端。
func (c *Controller) Activate(ev *ExtendableEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		names, err := c.storage.Keys(ctx)
		if err != nil {
			if !c.bestEffort {
				return fmt.Errorf("list caches: %w", err)
			}
			c.logger.WithFields(c.fields("cache_list_failed")).WithError(err).Warn("skipping cleanup")
			names = nil
		}

		for _, name := range names {
			if name == c.version {
				continue
			}
			if _, err := c.storage.Delete(ctx, name); err != nil {
				if !c.bestEffort {
					return fmt.Errorf("delete cache %s: %w", name, err)
				}
				c.logger.WithFields(c.fields("cache_delete_failed")).WithFields(logrus.Fields{
					"cache": name,
					"error": err.Error(),
				}).Warn("stale cache kept")
				continue
			}
			c.logger.WithFields(c.fields("cache_deleted")).WithField("cache", name).Info("stale cache removed")
		}

		c.currentSignals().ClaimClients()
		return nil
	})
}

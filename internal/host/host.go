package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/sw"
)

var (
	// ErrInstallFailed 表示新 worker 安装失败，已被标记为 redundant。
	ErrInstallFailed = errors.New("worker install failed")
	// ErrActivateFailed 表示激活失败，旧 worker 继续保持 active。
	ErrActivateFailed = errors.New("worker activate failed")
	// ErrClosed 表示宿主已关闭，不再接受注册。
	ErrClosed = errors.New("host closed")
)

// Options 配置宿主行为。
type Options struct {
	Logger *logrus.Logger
	// ClientIdleTimeout 超过该时长没有请求的客户端视为已关闭。
	ClientIdleTimeout time.Duration
	Now               func() time.Time
}

type client struct {
	worker   *Worker
	lastSeen time.Time
}

// Host 管理 worker 生命周期并把拦截请求派发给控制该客户端的 worker。
type Host struct {
	logger      *logrus.Logger
	idleTimeout time.Duration
	now         func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	// lifecycle 串行化安装与激活；mu 只保护下面的状态字段。
	lifecycle sync.Mutex
	mu        sync.Mutex

	active     *Worker
	waiting    *Worker
	installing *Worker
	clients    map[string]*client
	closed     bool

	pending sync.WaitGroup
}

// Result 描述一次派发的结果。Handled 为 false 时调用方应直接访问网络。
type Result struct {
	Response *cache.Response
	Outcome  sw.Outcome
	Version  string
	Handled  bool
}

// New 创建宿主。
func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.ClientIdleTimeout <= 0 {
		opts.ClientIdleTimeout = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		logger:      opts.Logger,
		idleTimeout: opts.ClientIdleTimeout,
		now:         opts.Now,
		baseCtx:     ctx,
		cancel:      cancel,
		clients:     make(map[string]*client),
	}
}

// Register 安装新版本 worker，并在满足条件时立即激活。
// 与 active worker 版本相同时视为未变化，直接返回。
func (h *Host) Register(ctx context.Context, ctrl *sw.Controller) error {
	if ctrl == nil {
		return errors.New("host: controller is required")
	}
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.active != nil && h.active.Version() == ctrl.Version() {
		h.mu.Unlock()
		h.logger.WithFields(logging.WorkerFields("worker_unchanged", ctrl.Version(), string(sw.StateActivated))).
			Debug("version already active")
		return nil
	}
	w := newWorker(ctrl, h.now())
	if h.waiting != nil {
		h.retireLocked(h.waiting, "worker_replaced")
		h.waiting = nil
	}
	_ = w.transition(sw.StateInstalling)
	h.installing = w
	h.mu.Unlock()

	h.logger.WithFields(logging.WorkerFields("worker_install", w.Version(), string(sw.StateInstalling))).
		WithField("worker_id", w.id).Info("installing worker")

	ev := sw.NewExtendableEvent(ctx)
	ctrl.Install(ev)
	err := ev.Wait()

	h.mu.Lock()
	h.installing = nil
	if err != nil {
		h.retireLocked(w, "worker_install_failed")
		h.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	_ = w.transition(sw.StateInstalled)
	h.waiting = w
	h.mu.Unlock()

	h.logger.WithFields(logging.WorkerFields("worker_installed", w.Version(), string(sw.StateInstalled))).
		WithField("skip_waiting", w.skipWaiting.Load()).Info("worker waiting")

	return h.promoteLocked(ctx)
}

// Update 清理空闲客户端并重新检查等待中的 worker 能否激活。
func (h *Host) Update(ctx context.Context) error {
	h.mu.Lock()
	h.pruneLocked(h.now())
	h.mu.Unlock()
	return h.maybePromote(ctx)
}

// Dispatch 把请求交给控制该客户端的 worker。clientID 为空时按一次性新客户端处理。
func (h *Host) Dispatch(ctx context.Context, clientID string, req *sw.Request) Result {
	if err := h.maybePromote(h.baseCtx); err != nil {
		h.logger.WithError(err).WithField("action", "worker_promote").Warn("waiting worker not activated")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return Result{Outcome: sw.OutcomePassthrough}
	}
	c := h.clients[clientID]
	switch {
	case c == nil:
		c = &client{worker: h.active}
		if clientID != "" {
			h.clients[clientID] = c
		}
	case req.IsNavigation():
		c.worker = h.active
	}
	c.lastSeen = h.now()
	w := c.worker
	controlled := w != nil && w.state == sw.StateActivated
	if controlled {
		h.pending.Add(1)
	}
	h.mu.Unlock()

	if !controlled {
		return Result{Outcome: sw.OutcomePassthrough}
	}

	ev := sw.NewFetchEvent(ctx, h.baseCtx, req)
	w.ctrl.Fetch(ev)
	go func() {
		defer h.pending.Done()
		if err := ev.Wait(); err != nil {
			h.logger.WithFields(logging.WorkerFields("fetch_extend_failed", w.Version(), string(sw.StateActivated))).
				WithError(err).Warn("background work failed")
		}
	}()

	resp, outcome, ok := ev.Response()
	return Result{Response: resp, Outcome: outcome, Version: w.Version(), Handled: ok}
}

// ActiveVersion 返回当前 active worker 的缓存版本，没有时为空。
func (h *Host) ActiveVersion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active.Version()
}

// Shutdown 拒绝新的派发，并等待已派发请求登记的后台工作完成。
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.pending.Wait()
		close(done)
	}()

	defer h.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) maybePromote(ctx context.Context) error {
	h.mu.Lock()
	need := h.waiting != nil && h.shouldPromoteLocked(h.waiting)
	h.mu.Unlock()
	if !need {
		return nil
	}
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	return h.promoteLocked(ctx)
}

// promoteLocked 要求调用方持有 lifecycle 锁。
func (h *Host) promoteLocked(ctx context.Context) error {
	h.mu.Lock()
	w := h.waiting
	if w == nil || !h.shouldPromoteLocked(w) {
		h.mu.Unlock()
		return nil
	}
	h.waiting = nil
	_ = w.transition(sw.StateActivating)
	h.mu.Unlock()

	h.logger.WithFields(logging.WorkerFields("worker_activate", w.Version(), string(sw.StateActivating))).
		Info("activating worker")

	ev := sw.NewExtendableEvent(ctx)
	w.ctrl.Activate(ev)
	err := ev.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.retireLocked(w, "worker_activate_failed")
		return fmt.Errorf("%w: %w", ErrActivateFailed, err)
	}

	_ = w.transition(sw.StateActivated)
	w.activatedAt = h.now()
	if old := h.active; old != nil {
		h.retireLocked(old, "worker_superseded")
	}
	h.active = w
	claimed := 0
	if w.claim.Load() {
		for _, c := range h.clients {
			c.worker = w
			claimed++
		}
	}
	h.logger.WithFields(logging.WorkerFields("worker_activated", w.Version(), string(sw.StateActivated))).
		WithField("claimed_clients", claimed).Info("worker active")
	return nil
}

func (h *Host) shouldPromoteLocked(w *Worker) bool {
	if w.skipWaiting.Load() || h.active == nil {
		return true
	}
	return h.liveClientsLocked(h.active, h.now()) == 0
}

func (h *Host) liveClientsLocked(w *Worker, now time.Time) int {
	count := 0
	for _, c := range h.clients {
		if c.worker == w && now.Sub(c.lastSeen) <= h.idleTimeout {
			count++
		}
	}
	return count
}

func (h *Host) pruneLocked(now time.Time) {
	for id, c := range h.clients {
		if now.Sub(c.lastSeen) > h.idleTimeout {
			delete(h.clients, id)
		}
	}
}

func (h *Host) retireLocked(w *Worker, action string) {
	if err := w.transition(sw.StateRedundant); err != nil {
		h.logger.WithError(err).WithField("action", action).Debug("worker already redundant")
		return
	}
	h.logger.WithFields(logging.WorkerFields(action, w.Version(), string(sw.StateRedundant))).
		WithField("worker_id", w.id).Info("worker redundant")
}

// Status 是宿主状态快照。
type Status struct {
	Active     *WorkerStatus `json:"active"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Installing *WorkerStatus `json:"installing,omitempty"`
	Clients    int           `json:"clients"`
	Controlled int           `json:"controlled_clients"`
}

// Status 返回当前 worker 与客户端的快照。
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		Active:     h.active.status(),
		Waiting:    h.waiting.status(),
		Installing: h.installing.status(),
		Clients:    len(h.clients),
	}
	if h.active != nil {
		st.Controlled = h.liveClientsLocked(h.active, h.now())
	}
	return st
}

package sw

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
)

// ErrAlreadyResponded 表示同一个 FetchEvent 上重复调用 RespondWith。
var ErrAlreadyResponded = errors.New("fetch event already responded")

// ExtendableEvent 允许处理器登记异步工作，宿主在 Wait 返回前不会推进生命周期。
// 登记的工作运行在事件生命周期上下文中，不受发起请求的连接关闭影响。
type ExtendableEvent struct {
	ctx   context.Context
	group errgroup.Group
}

// NewExtendableEvent 以 ctx 作为事件生命周期上下文创建事件。
func NewExtendableEvent(ctx context.Context) *ExtendableEvent {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ExtendableEvent{ctx: ctx}
}

// Context 返回事件生命周期上下文。
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil 登记一段异步工作。可在其他已登记的工作内部继续调用。
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.group.Go(func() error {
		return fn(e.ctx)
	})
}

// Wait 阻塞直到所有已登记工作结束，返回第一个失败。
func (e *ExtendableEvent) Wait() error {
	return e.group.Wait()
}

// Outcome 描述一次拦截请求最终由哪条路径给出响应。
type Outcome string

const (
	OutcomeHit          Outcome = "hit"
	OutcomeMiss         Outcome = "miss"
	OutcomeOfflineShell Outcome = "offline-shell"
	OutcomeOffline      Outcome = "offline"
	OutcomePassthrough  Outcome = "passthrough"
)

// FetchEvent 代表一次被拦截的请求。未调用 RespondWith 时宿主按原样直连网络。
type FetchEvent struct {
	*ExtendableEvent

	Request *Request

	reqCtx    context.Context
	mu        sync.Mutex
	responded bool
	response  *cache.Response
	outcome   Outcome
}

// NewFetchEvent 创建拦截事件：reqCtx 约束同步的网络请求，lifetime 约束 WaitUntil 工作。
func NewFetchEvent(reqCtx, lifetime context.Context, req *Request) *FetchEvent {
	if reqCtx == nil {
		reqCtx = context.Background()
	}
	return &FetchEvent{
		ExtendableEvent: NewExtendableEvent(lifetime),
		Request:         req,
		reqCtx:          reqCtx,
	}
}

// RequestContext 返回请求级上下文，客户端断开后即被取消。
func (e *FetchEvent) RequestContext() context.Context {
	return e.reqCtx
}

// RespondWith 提交最终响应，每个事件只能调用一次。
func (e *FetchEvent) RespondWith(resp *cache.Response, outcome Outcome) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responded {
		return ErrAlreadyResponded
	}
	e.responded = true
	e.response = resp
	e.outcome = outcome
	return nil
}

// Response 返回已提交的响应；ok 为 false 表示处理器未接管该请求。
func (e *FetchEvent) Response() (resp *cache.Response, outcome Outcome, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.responded {
		return nil, OutcomePassthrough, false
	}
	return e.response, e.outcome, true
}

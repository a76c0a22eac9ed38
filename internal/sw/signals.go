package sw

import (
	"context"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Fetcher 执行真实的网络请求。返回的响应 Body 必须已完整读入内存。
// 只有网络层失败才返回 error；4xx/5xx 属于正常响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc 允许使用普通函数实现 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch 调用 f。
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// Signals 是控制器向宿主发出的生命周期信号。
type Signals interface {
	// SkipWaiting 请求宿主在安装完成后立即激活，不等待旧版本的客户端离开。
	SkipWaiting()
	// ClaimClients 请求宿主把所有已打开的客户端切换到当前版本。
	ClaimClients()
}

type noopSignals struct{}

func (noopSignals) SkipWaiting()  {}
func (noopSignals) ClaimClients() {}

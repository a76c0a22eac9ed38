package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/sw"
	"github.com/any-hub/offline-hub/internal/version"
)

// OriginFetcher 把源站相对地址解析到配置的源站并执行请求，正文完整读入内存。
type OriginFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewOriginFetcher 使用共享 client 构造 fetcher。
func NewOriginFetcher(client *http.Client, origin *url.URL) (*OriginFetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if origin == nil || origin.Scheme == "" || origin.Host == "" {
		return nil, errors.New("origin url is required")
	}
	return &OriginFetcher{client: client, origin: origin}, nil
}

// Fetch 实现 sw.Fetcher。只有连接或读取失败返回 error，任意状态码都作为正常响应。
func (f *OriginFetcher) Fetch(ctx context.Context, req *sw.Request) (*cache.Response, error) {
	target, err := f.resolve(req.URL)
	if err != nil {
		return nil, err
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(upstreamReq.Header, req.Header)
	// 由 Transport 负责 gzip 协商与解压，缓存中只保存明文正文。
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Host = target.Host
	// 预缓存请求没有客户端头部，统一标记为本服务发出。
	if upstreamReq.Header.Get("User-Agent") == "" {
		upstreamReq.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read origin body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	finalURL := target.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		URL:    finalURL,
	}, nil
}

func (f *OriginFetcher) resolve(raw string) (*url.URL, error) {
	if raw == "" {
		raw = "/"
	}
	rel, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", raw, err)
	}
	if rel.IsAbs() || rel.Host != "" {
		return nil, fmt.Errorf("request url %q must be origin-relative", raw)
	}
	return f.origin.ResolveReference(rel), nil
}

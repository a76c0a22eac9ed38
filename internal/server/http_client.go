package server

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/config"
)

// 回源连接池：预缓存与拦截请求都打向同一个源站，保持较多的空闲长连接。
var originTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          64,
	MaxIdleConnsPerHost:   64,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，预缓存与拦截回源都复用它。
// 超时覆盖整个请求（含读取正文），拨号失败会很快暴露为网络错误，触发离线回退。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: originTransport.Clone(),
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，忽略 hop-by-hop 字段以及 Connection 中点名的字段。
func CopyHeaders(dst, src http.Header) {
	listed := connectionTokens(src)
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		if _, ok := listed[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func connectionTokens(h http.Header) map[string]struct{} {
	values := h.Values("Connection")
	if len(values) == 0 {
		return nil
	}
	tokens := make(map[string]struct{})
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}

func isHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}

package cache

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// CheckPut 复刻浏览器 Cache.put 的拒绝规则：仅 GET、拒绝 206 与 Vary: *。
// 各后端在写入前统一调用，保证两种存储行为一致。
func CheckPut(key Key, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	if key.URL == "" {
		return errors.New("request url required")
	}
	if key.Method != http.MethodGet {
		return ErrUnsupportedMethod
	}
	if resp.Status == http.StatusPartialContent {
		return ErrPartialResponse
	}
	for _, value := range resp.Header.Values("Vary") {
		for _, field := range strings.Split(value, ",") {
			if strings.TrimSpace(field) == "*" {
				return ErrVaryWildcard
			}
		}
	}
	return nil
}

// perUserHeaders 只属于发起请求的那个客户端，写入共享缓存前剔除。
var perUserHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// prepareForStore 复制响应、剔除 Set-Cookie 并补齐写入时间，避免后端持有调用方的切片。
// 调用方手里的原响应保持不变，本次请求的客户端仍能收到 cookie。
func prepareForStore(resp *Response, now func() time.Time) *Response {
	stored := resp.Clone()
	for _, name := range perUserHeaders {
		stored.Header.Del(name)
	}
	if stored.StoredAt.IsZero() {
		stored.StoredAt = now().UTC()
	}
	return stored
}

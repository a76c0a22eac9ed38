package sw

import (
	"net/http"
	"strings"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Destination 对应 fetch 请求的 destination，只有 document 会触发离线外壳回退。
type Destination string

const (
	DestinationNone     Destination = ""
	DestinationDocument Destination = "document"
)

// Request 是一次被拦截的请求。URL 为源站相对地址（路径 + 可选查询串）。
type Request struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	Destination Destination
}

// NewRequest 构造请求并根据 Fetch Metadata 头推断 destination。
func NewRequest(method, url string, header http.Header, body []byte) *Request {
	if header == nil {
		header = http.Header{}
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method:      method,
		URL:         url,
		Header:      header,
		Body:        body,
		Destination: DestinationFromHeader(method, header),
	}
}

// Key 返回请求在缓存中的标识。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL)
}

// IsNavigation 表示请求目标是可导航的完整文档。
func (r *Request) IsNavigation() bool {
	return r.Destination == DestinationDocument
}

// DestinationFromHeader 优先使用 Sec-Fetch-Dest；不发送 Fetch Metadata 的旧浏览器
// 以 "GET + Accept: text/html" 近似识别顶层导航。
func DestinationFromHeader(method string, header http.Header) Destination {
	if dest := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Dest"))); dest != "" {
		return Destination(dest)
	}
	if method != http.MethodGet {
		return DestinationNone
	}
	mode := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode")))
	if mode != "" && mode != "navigate" {
		return DestinationNone
	}
	if strings.Contains(strings.ToLower(header.Get("Accept")), "text/html") {
		return DestinationDocument
	}
	return DestinationNone
}

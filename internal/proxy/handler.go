package proxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/host"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/sw"
)

// CacheHeader 标记响应来源：hit / miss / offline-shell / offline / passthrough。
const CacheHeader = "X-Offline-Hub-Cache"

// Dispatcher 是 Handler 依赖的宿主能力，测试中可替换。
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID string, req *sw.Request) host.Result
}

// Handler 把 Fiber 请求转换为拦截事件交给宿主；宿主不接管时直接回源。
type Handler struct {
	host    Dispatcher
	fetcher sw.Fetcher
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler around the host and origin fetcher.
func NewHandler(h Dispatcher, fetcher sw.Fetcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		host:    h,
		fetcher: fetcher,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildRequest(c)
	res := h.host.Dispatch(ctx, server.ClientID(c), req)
	if !res.Handled {
		resp, err := h.fetcher.Fetch(ctx, req)
		if err != nil {
			h.logResult(req, res, requestID, fiber.StatusBadGateway, started, err)
			c.Set(CacheHeader, string(sw.OutcomePassthrough))
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
		}
		res.Response = resp
		res.Outcome = sw.OutcomePassthrough
	}

	h.logResult(req, res, requestID, res.Response.Status, started, nil)
	return writeResponse(c, res.Response, res.Outcome)
}

// buildRequest 复制请求头并补齐 X-Forwarded-*，让源站看到真实的客户端信息。
func buildRequest(c fiber.Ctx) *sw.Request {
	header := fiberHeadersAsHTTP(c)
	stripClientCookie(header)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())

	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}
	return sw.NewRequest(c.Method(), requestURL(c), header, body)
}

// requestURL 返回源站相对地址，保留原始查询串以保证缓存键精确匹配。
func requestURL(c fiber.Ctx) string {
	uri := c.Request().URI()
	target := string(uri.PathOriginal())
	if target == "" {
		target = "/"
	}
	if idx := strings.IndexByte(target, '?'); idx >= 0 {
		target = target[:idx]
	}
	if query := uri.QueryString(); len(query) > 0 {
		target += "?" + string(query)
	}
	return target
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// stripClientCookie 移除代理自己的客户端 cookie，不把它泄露给源站。
func stripClientCookie(header http.Header) {
	values := header.Values("Cookie")
	if len(values) == 0 {
		return
	}
	header.Del("Cookie")
	for _, value := range values {
		var kept []string
		for _, part := range strings.Split(value, ";") {
			part = strings.TrimSpace(part)
			if part == "" || strings.HasPrefix(part, server.ClientCookieName+"=") {
				continue
			}
			kept = append(kept, part)
		}
		if len(kept) > 0 {
			header.Add("Cookie", strings.Join(kept, "; "))
		}
	}
}

func writeResponse(c fiber.Ctx, resp *cache.Response, outcome sw.Outcome) error {
	for key, values := range resp.Header {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(CacheHeader, string(outcome))
	c.Status(resp.Status)
	if c.Method() == fiber.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) logResult(req *sw.Request, res host.Result, requestID string, status int, started time.Time, err error) {
	fields := logging.RequestFields(req.Method, req.URL, res.Version, string(res.Outcome))
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if req.IsNavigation() {
		fields["navigation"] = true
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

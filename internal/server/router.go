package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler handles every request outside the diagnostics namespace. It
// allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// ClientCookieName 保存客户端标识，宿主据此判断请求属于哪个已打开的页面会话。
const ClientCookieName = "ohub_client"

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	ListenPort int
	// SecureCookie 为 true 时客户端 cookie 带 Secure 属性。
	SecureCookie bool
}

const (
	contextKeyRequestID = "_offlinehub_request_id"
	contextKeyClientID  = "_offlinehub_client_id"
)

// NewApp builds a Fiber application with request/client middleware and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并为非诊断请求分配客户端标识。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		clientID := strings.TrimSpace(c.Cookies(ClientCookieName))
		if _, err := uuid.Parse(clientID); err != nil {
			clientID = uuid.NewString()
			c.Cookie(&fiber.Cookie{
				Name:     ClientCookieName,
				Value:    clientID,
				Path:     "/",
				HTTPOnly: true,
				Secure:   opts.SecureCookie,
				SameSite: fiber.CookieSameSiteLaxMode,
			})
		}
		c.Locals(contextKeyClientID, clientID)
		return c.Next()
	}
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "request_error",
				"path":       string(c.Request().URI().Path()),
				"request_id": RequestID(c),
			}).WithError(err).Error("unhandled error")
		}
		code := strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// ClientID returns the client identifier assigned by the router middleware.
func ClientID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyClientID); value != nil {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

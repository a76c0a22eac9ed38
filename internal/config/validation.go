package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// FieldError 携带出错字段的完整路径（如 Worker.Assets[3]），供 -check-config 直接输出。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

func workerField(field string) string {
	return "Worker." + field
}

var supportedBackends = map[string]struct{}{
	StorageBackendFS:     {},
	StorageBackendSQLite: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 fs|sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ClientIdleTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ClientIdleTimeout", "必须大于 0")
	}

	return c.Worker.validate()
}

func (w *WorkerConfig) validate() error {
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("%s: %w", workerField("Origin"), err)
	}
	if err := validateCacheVersion(w.CacheVersion); err != nil {
		return fmt.Errorf("%s: %w", workerField("CacheVersion"), err)
	}
	if len(w.Assets) == 0 {
		return newFieldError(workerField("Assets"), "至少需要一个资源路径")
	}
	seen := make(map[string]struct{}, len(w.Assets))
	for idx, asset := range w.Assets {
		if err := validateAssetPath(asset); err != nil {
			return fmt.Errorf("%s: %w", workerField(fmt.Sprintf("Assets[%d]", idx)), err)
		}
		if _, dup := seen[asset]; dup {
			return newFieldError(workerField(fmt.Sprintf("Assets[%d]", idx)), "重复")
		}
		seen[asset] = struct{}{}
	}
	if err := validateAssetPath(w.OfflineShell); err != nil {
		return fmt.Errorf("%s: %w", workerField("OfflineShell"), err)
	}
	if w.InstallConcurrency <= 0 {
		return newFieldError(workerField("InstallConcurrency"), "必须大于 0")
	}
	switch w.CleanupPolicy {
	case CleanupPolicyStrict, CleanupPolicyBestEffort:
	default:
		return newFieldError(workerField("CleanupPolicy"), "仅支持 strict/best-effort")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

// validateCacheVersion 缓存版本号同时充当缓存目录名，禁止路径分隔符与 . / ..。
func validateCacheVersion(version string) error {
	if version == "" {
		return errors.New("不能为空")
	}
	if version == "." || version == ".." {
		return errors.New("不能为 . 或 ..")
	}
	if strings.ContainsAny(version, `/\`) {
		return errors.New("不允许包含路径分隔符")
	}
	if strings.ContainsAny(version, " \t\r\n") {
		return errors.New("不允许包含空白字符")
	}
	return nil
}

func validateAssetPath(p string) error {
	if p == "" {
		return errors.New("路径不能为空")
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("路径必须以 / 开头: %s", p)
	}
	if strings.HasPrefix(p, "//") {
		return fmt.Errorf("路径不能指向其他主机: %s", p)
	}
	return nil
}

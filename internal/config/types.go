package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存存储后端。
const (
	StorageBackendFS     = "fs"
	StorageBackendSQLite = "sqlite"
)

// 激活阶段清理旧缓存失败时的处理策略。
const (
	CleanupPolicyStrict     = "strict"
	CleanupPolicyBestEffort = "best-effort"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存目录与上游超时。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	StorageBackend    string   `mapstructure:"StorageBackend"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	ClientIdleTimeout Duration `mapstructure:"ClientIdleTimeout"`
}

// WorkerConfig 描述缓存策略本身：源站、缓存版本号与预缓存清单。
// CacheVersion 变化是让旧缓存整体失效的唯一手段。
type WorkerConfig struct {
	Origin             string   `mapstructure:"Origin"`
	CacheVersion       string   `mapstructure:"CacheVersion"`
	Assets             []string `mapstructure:"Assets"`
	OfflineShell       string   `mapstructure:"OfflineShell"`
	OfflineMessage     string   `mapstructure:"OfflineMessage"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	CleanupPolicy      string   `mapstructure:"CleanupPolicy"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (w WorkerConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(w.Origin)
	if err != nil {
		return nil
	}
	return parsed
}

// BestEffortCleanup 表示激活阶段是否跳过删除失败的旧缓存。
func (w WorkerConfig) BestEffortCleanup() bool {
	return w.CleanupPolicy == CleanupPolicyBestEffort
}

package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/offline-hub/internal/sw"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch 监听配置文件变化，每次重新解析成功后回调 onChange；解析失败时回调 onError。
// 返回的 *viper.Viper 仅用于测试与诊断，调用方无需持有。
func Watch(path string, onChange func(*Config), onError func(error)) (*viper.Viper, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
	return v, nil
}

func newViper(path string) (*viper.Viper, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", StorageBackendFS)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ClientIdleTimeout", "30m")
	v.SetDefault("Worker.CacheVersion", sw.DefaultCacheVersion)
	v.SetDefault("Worker.OfflineShell", sw.DefaultOfflineShell)
	v.SetDefault("Worker.OfflineMessage", sw.DefaultOfflineMessage)
	v.SetDefault("Worker.InstallConcurrency", 4)
	v.SetDefault("Worker.CleanupPolicy", CleanupPolicyStrict)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.StorageBackend) == "" {
		g.StorageBackend = StorageBackendFS
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ClientIdleTimeout.DurationValue() == 0 {
		g.ClientIdleTimeout = Duration(30 * time.Minute)
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.Origin = strings.TrimSpace(w.Origin)
	w.CacheVersion = strings.TrimSpace(w.CacheVersion)
	if w.CacheVersion == "" {
		w.CacheVersion = sw.DefaultCacheVersion
	}
	// Assets 为空时沿用内置清单；显式配置时完整替换，不做合并。
	if len(w.Assets) == 0 {
		w.Assets = sw.DefaultAssets()
	}
	if strings.TrimSpace(w.OfflineShell) == "" {
		w.OfflineShell = sw.DefaultOfflineShell
	}
	if w.OfflineMessage == "" {
		w.OfflineMessage = sw.DefaultOfflineMessage
	}
	if w.InstallConcurrency <= 0 {
		w.InstallConcurrency = 4
	}
	w.CleanupPolicy = strings.ToLower(strings.TrimSpace(w.CleanupPolicy))
	if w.CleanupPolicy == "" {
		w.CleanupPolicy = CleanupPolicyStrict
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

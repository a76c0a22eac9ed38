package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求方法/路径/缓存结果字段，供代理请求日志复用。
func RequestFields(method, path, cacheVersion, outcome string) logrus.Fields {
	return logrus.Fields{
		"method":        method,
		"path":          path,
		"cache_version": cacheVersion,
		"cache_outcome": outcome,
	}
}

// WorkerFields 描述生命周期日志中的 worker 版本与状态。
func WorkerFields(action, cacheVersion, state string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"cache_version": cacheVersion,
		"state":         state,
	}
}

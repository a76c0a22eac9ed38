package version

import (
	"fmt"
	"runtime"
)

// Version/Commit 通过 -ldflags "-X" 注入；本地构建保留开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 CLI 与 /-/status 展示的版本串。
func Full() string {
	return fmt.Sprintf("offline-hub %s (%s, %s)", Version, Commit, runtime.Version())
}

// UserAgent 是访问源站时缺省使用的 User-Agent。
func UserAgent() string {
	return "offline-hub/" + Version
}

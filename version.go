package main

import (
	"fmt"

	"github.com/any-hub/offline-hub/internal/sw"
	"github.com/any-hub/offline-hub/internal/version"
)

// printVersion 输出构建版本与内置的默认缓存版本号。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
	fmt.Fprintf(stdOut, "default cache version: %s\n", sw.DefaultCacheVersion)
}

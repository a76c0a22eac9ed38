package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存缓冲区，便于断言 CLI 输出。
func useBufferWriters(t *testing.T) {
	t.Helper()

	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &bytes.Buffer{}, &bytes.Buffer{}

	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
}

// configFixture 返回 internal/config/testdata 下的样例配置路径。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("无法定位项目根目录")
	}
	return filepath.Join(filepath.Dir(file), "internal", "config", "testdata", name)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

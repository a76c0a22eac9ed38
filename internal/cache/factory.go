package cache

import (
	"context"
	"fmt"
)

// 支持的存储后端名称，与配置中的 StorageBackend 对应。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// OpenStorage 按后端名称打开缓存存储。
func OpenStorage(ctx context.Context, backend, basePath string) (Storage, error) {
	switch backend {
	case "", BackendFS:
		return NewFSStorage(ctx, basePath)
	case BackendSQLite:
		return OpenSQLiteStorage(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}

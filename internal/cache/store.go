package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Storage 管理所有具名缓存（CacheStorage 语义）。名称即缓存版本号。
type Storage interface {
	// Open 返回指定名称的缓存，不存在时创建空缓存。
	Open(ctx context.Context, name string) (Cache, error)

	// Lookup 返回已存在的缓存；不存在时 ok 为 false，且不会创建。
	Lookup(ctx context.Context, name string) (c Cache, ok bool, err error)

	// Has 判断指定名称的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个具名缓存及其全部条目，返回是否真的删除了内容。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序列出所有缓存名称。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放底层文件锁或数据库连接。
	Close() error
}

// Cache 是单个具名缓存，键为请求标识，值为完整响应。
type Cache interface {
	Name() string

	// Match 精确匹配请求标识，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 插入或覆盖条目，写入失败不会留下半截数据。
	Put(ctx context.Context, key Key, resp *Response) error

	// Delete 删除单个条目，返回条目此前是否存在。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 列出当前缓存中的全部请求标识。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位缓存中的一个条目：方法 + 源站相对 URL（路径与查询串）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化方法名并构造 Key。
func NewKey(method, url string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: url}
}

// String 输出 "GET /path" 形式，用于日志与诊断。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Response 是可复制的响应值。正文为字节切片而非一次性流，
// 因此同一份响应可以同时返回给调用方并写入缓存。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	StoredAt time.Time
}

// Clone 返回与原响应互不影响的深拷贝。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		URL:      r.URL,
		StoredAt: r.StoredAt,
	}
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return cloned
}

// OK 对应 fetch 语义中的 response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示缓存名称无法映射为存储位置。
	ErrInvalidName = errors.New("invalid cache name")
	// ErrUnsupportedMethod 表示仅允许缓存 GET 请求。
	ErrUnsupportedMethod = errors.New("only GET requests can be cached")
	// ErrPartialResponse 表示 206 部分响应不可缓存。
	ErrPartialResponse = errors.New("partial responses cannot be cached")
	// ErrVaryWildcard 表示携带 Vary: * 的响应不可缓存。
	ErrVaryWildcard = errors.New("responses with Vary: * cannot be cached")
	// ErrStorageLocked 表示缓存目录正被其他进程占用。
	ErrStorageLocked = errors.New("cache storage locked by another process")
)

// ValidateName 校验缓存名称；名称会直接出现在目录名或数据库键中。
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFileName   = ".offline-hub.lock"
	markerFileName = ".cache.json"
	entrySuffix    = ".entry"
	trashPrefix    = ".trash-"
)

// NewFSStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 目录布局：
//
//	<basePath>/<name>/.cache.json        # 名称与创建时间
//	<basePath>/<name>/<sha256>.entry     # 元数据 JSON 行 + 正文
//
// 构造时会对 basePath 加进程间文件锁，避免两个进程共享同一缓存目录。
func NewFSStorage(ctx context.Context, basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	fl, err := acquireFileLock(ctx, filepath.Join(abs, lockFileName))
	if err != nil {
		return nil, err
	}

	s := &fileStorage{
		basePath: abs,
		fileLock: fl,
		now:      time.Now,
		locks:    make(map[string]*entryLock),
	}
	s.sweepTrash()
	return s, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入；mu 串行化缓存目录的创建与删除。
type fileStorage struct {
	basePath string
	fileLock *flock.Flock
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type cacheMarker struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	markerPath := filepath.Join(dir, markerFileName)
	if _, err := os.Stat(markerPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		data, err := json.Marshal(cacheMarker{Name: name, CreatedAt: s.now().UTC()})
		if err != nil {
			return nil, err
		}
		if _, err := writeFileAtomic(ctx, markerPath, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("write cache marker %s: %w", name, err)
		}
	}

	return &fileCache{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Lookup(ctx context.Context, name string) (Cache, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(filepath.Join(dir, markerFileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &fileCache{storage: s, name: name, dir: dir}, true, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, markerFileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if _, err := os.Stat(dir); err != nil {
		s.mu.Unlock()
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先整体改名移出可见区域，再慢慢删除，读者不会看到删了一半的缓存。
	trash, err := os.MkdirTemp(s.basePath, trashPrefix+"*")
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	if err := os.Rename(dir, filepath.Join(trash, "cache")); err != nil {
		s.mu.Unlock()
		_ = os.Remove(trash)
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	s.mu.Unlock()

	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("purge cache %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	markers := make([]cacheMarker, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.basePath, entry.Name(), markerFileName))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var marker cacheMarker
		if err := json.Unmarshal(data, &marker); err != nil {
			return nil, fmt.Errorf("decode cache marker %s: %w", entry.Name(), err)
		}
		markers = append(markers, marker)
	}

	sort.SliceStable(markers, func(i, j int) bool {
		if markers[i].CreatedAt.Equal(markers[j].CreatedAt) {
			return markers[i].Name < markers[j].Name
		}
		return markers[i].CreatedAt.Before(markers[j].CreatedAt)
	})

	names := make([]string, len(markers))
	for i, marker := range markers {
		names[i] = marker.Name
	}
	return names, nil
}

func (s *fileStorage) Close() error {
	if s.fileLock == nil {
		return nil
	}
	return s.fileLock.Close()
}

func (s *fileStorage) cacheDir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	escaped := url.PathEscape(name)
	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}
	dir := filepath.Join(s.basePath, escaped)
	if filepath.Dir(dir) != s.basePath {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return dir, nil
}

// sweepTrash 清理上次进程异常退出时遗留的回收目录。
func (s *fileStorage) sweepTrash() {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), trashPrefix) {
			_ = os.RemoveAll(filepath.Join(s.basePath, entry.Name()))
		}
	}
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type fileCache struct {
	storage *fileStorage
	name    string
	dir     string
}

type entryMeta struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	Status      int         `json:"status"`
	Header      http.Header `json:"header"`
	ResponseURL string      `json:"response_url,omitempty"`
	StoredAt    time.Time   `json:"stored_at"`
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(c.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	meta, err := readEntryMeta(reader)
	if err != nil {
		return nil, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	if meta.Method != key.Method || meta.URL != key.URL {
		return nil, ErrNotFound
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read cache entry %s: %w", key, err)
	}

	header := meta.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status:   meta.Status,
		Header:   header,
		Body:     body,
		URL:      meta.ResponseURL,
		StoredAt: meta.StoredAt,
	}, nil
}

func (c *fileCache) Put(ctx context.Context, key Key, resp *Response) error {
	if err := CheckPut(key, resp); err != nil {
		return err
	}
	stored := prepareForStore(resp, c.storage.now)

	unlock := c.storage.lockEntry(c.name + "::" + key.String())
	defer unlock()

	meta, err := json.Marshal(entryMeta{
		Method:      key.Method,
		URL:         key.URL,
		Status:      stored.Status,
		Header:      stored.Header,
		ResponseURL: stored.URL,
		StoredAt:    stored.StoredAt,
	})
	if err != nil {
		return err
	}
	meta = append(meta, '\n')

	if _, err := writeFileAtomic(ctx, c.entryPath(key), bytes.NewReader(meta), bytes.NewReader(stored.Body)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cache %s no longer exists: %w", c.name, err)
		}
		return err
	}
	return nil
}

func (c *fileCache) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := c.storage.lockEntry(c.name + "::" + key.String())
	defer unlock()

	if err := os.Remove(c.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *fileCache) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		meta, err := readEntryMetaFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		keys = append(keys, Key{Method: meta.Method, URL: meta.URL})
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

func (c *fileCache) entryPath(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func readEntryMetaFile(path string) (entryMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return entryMeta{}, err
	}
	defer f.Close()
	return readEntryMeta(bufio.NewReader(f))
}

func readEntryMeta(reader *bufio.Reader) (entryMeta, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, err
	}
	return meta, nil
}

// writeFileAtomic 依次写入 parts 到同目录临时文件，再 rename 到 target。
func writeFileAtomic(ctx context.Context, target string, parts ...io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	var written int64
	for _, part := range parts {
		n, copyErr := copyWithContext(ctx, tempFile, part)
		written += n
		if copyErr != nil {
			err = copyErr
			break
		}
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return written, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return written, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

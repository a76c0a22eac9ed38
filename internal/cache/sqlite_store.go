package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "offline-hub.db"

//go:embed schema.sql
var sqliteSchema string

// sqliteStorage 把所有具名缓存放进同一个数据库，删除缓存依赖外键级联。
type sqliteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStorage 打开（必要时创建）basePath 下的 sqlite 缓存库并建表。
func OpenSQLiteStorage(basePath string) (Storage, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := "file:" + filepath.Join(abs, SQLiteFileName) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &sqliteStorage{db: db, now: time.Now}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO caches (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, s.now().UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteCache{storage: s, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	var found int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM caches WHERE name = ?`, name).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("has cache %s: %w", name, err)
	}
	return true, nil
}

func (s *sqliteStorage) Lookup(ctx context.Context, name string) (Cache, bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return nil, false, err
	}
	return &sqliteCache{storage: s, name: name}, true, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM caches ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache names: %w", err)
	}
	return names, nil
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteCache struct {
	storage *sqliteStorage
	name    string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key Key) (*Response, error) {
	row := c.storage.db.QueryRowContext(ctx,
		`SELECT status, header_json, response_url, body, stored_at
		 FROM entries
		 WHERE cache_name = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	)

	var (
		resp       Response
		headerJSON string
		storedAt   int64
	)
	if err := row.Scan(&resp.Status, &headerJSON, &resp.URL, &resp.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
	resp.Header = http.Header{}
	if err := json.Unmarshal([]byte(headerJSON), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode headers %s: %w", key, err)
	}
	if resp.Body == nil {
		resp.Body = []byte{}
	}
	resp.StoredAt = time.Unix(0, storedAt).UTC()
	return &resp, nil
}

func (c *sqliteCache) Put(ctx context.Context, key Key, resp *Response) error {
	if err := CheckPut(key, resp); err != nil {
		return err
	}
	stored := prepareForStore(resp, c.storage.now)
	headerJSON, err := json.Marshal(stored.Header)
	if err != nil {
		return err
	}
	body := stored.Body
	if body == nil {
		body = []byte{}
	}

	_, err = c.storage.db.ExecContext(ctx,
		`INSERT INTO entries (cache_name, method, url, status, header_json, response_url, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_name, method, url) DO UPDATE SET
		    status = excluded.status,
		    header_json = excluded.header_json,
		    response_url = excluded.response_url,
		    body = excluded.body,
		    stored_at = excluded.stored_at`,
		c.name, key.Method, key.URL, stored.Status, string(headerJSON), stored.URL, body, stored.StoredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, key Key) (bool, error) {
	result, err := c.storage.db.ExecContext(ctx,
		`DELETE FROM entries WHERE cache_name = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return affected > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]Key, error) {
	rows, err := c.storage.db.QueryContext(ctx,
		`SELECT method, url FROM entries WHERE cache_name = ? ORDER BY method, url`,
		c.name,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries %s: %w", c.name, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	keys := make([]Key, 0)
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, fmt.Errorf("scan entry key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry keys: %w", err)
	}
	return keys, nil
}

package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/host"
	"github.com/any-hub/offline-hub/internal/sw"
)

func TestStatusReportsActiveWorker(t *testing.T) {
	app, _ := newDiagnosticsApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Version string      `json:"version"`
		Worker  host.Status `json:"worker"`
	}
	decodeJSON(t, resp, &payload)

	if payload.Worker.Active == nil || payload.Worker.Active.Version != "holy-huddle-v4" {
		t.Fatalf("expected active holy-huddle-v4, got %+v", payload.Worker.Active)
	}
	if payload.Worker.Active.State != sw.StateActivated {
		t.Fatalf("expected activated state, got %s", payload.Worker.Active.State)
	}
	if payload.Version == "" {
		t.Fatalf("expected build version in payload")
	}
}

func TestCachesListsEntries(t *testing.T) {
	app, _ := newDiagnosticsApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/caches", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Caches []cachePayload `json:"caches"`
	}
	decodeJSON(t, resp, &payload)

	if len(payload.Caches) != 1 {
		t.Fatalf("expected exactly one cache after activation, got %+v", payload.Caches)
	}
	got := payload.Caches[0]
	if got.Name != "holy-huddle-v4" || !got.Current || got.Entries != 2 {
		t.Fatalf("unexpected cache payload: %+v", got)
	}
}

func TestCacheDetail(t *testing.T) {
	app, _ := newDiagnosticsApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/caches/holy-huddle-v4", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Name    string         `json:"name"`
		Current bool           `json:"current"`
		Entries []entryPayload `json:"entries"`
	}
	decodeJSON(t, resp, &payload)
	if len(payload.Entries) != 2 || !payload.Current {
		t.Fatalf("unexpected detail payload: %+v", payload)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/-/caches/holy-huddle-v1", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown cache, got %d", resp.StatusCode)
	}
}

// staleKeysStorage 模拟列出名称之后缓存被激活流程删除的时序。
type staleKeysStorage struct {
	cache.Storage
	gone string
}

func (s staleKeysStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.Storage.Keys(ctx)
	return append([]string{s.gone}, names...), err
}

func TestCachesSkipsStoreDeletedAfterListing(t *testing.T) {
	base := openTestStorage(t)
	app, _ := buildDiagnosticsApp(t, staleKeysStorage{Storage: base, gone: "holy-huddle-v3"})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/caches", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Caches []cachePayload `json:"caches"`
	}
	decodeJSON(t, resp, &payload)
	if len(payload.Caches) != 1 || payload.Caches[0].Name != "holy-huddle-v4" {
		t.Fatalf("deleted cache should be skipped, got %+v", payload.Caches)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/-/caches/holy-huddle-v3", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for deleted cache, got %d", resp.StatusCode)
	}

	names, err := base.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(names) != 1 || names[0] != "holy-huddle-v4" {
		t.Fatalf("diagnostics must not recreate caches, got %v", names)
	}
}

func newDiagnosticsApp(t *testing.T) (*fiber.App, *host.Host) {
	t.Helper()
	return buildDiagnosticsApp(t, openTestStorage(t))
}

func openTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewFSStorage(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func buildDiagnosticsApp(t *testing.T, storage cache.Storage) (*fiber.App, *host.Host) {
	t.Helper()

	fetcher := sw.FetcherFunc(func(_ context.Context, req *sw.Request) (*cache.Response, error) {
		return &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(req.URL)}, nil
	})
	ctrl, err := sw.NewController(sw.Options{
		Version:  "holy-huddle-v4",
		Manifest: sw.NewManifest([]string{"/", "/index.html"}),
		Storage:  storage,
		Fetcher:  fetcher,
	})
	if err != nil {
		t.Fatalf("failed to build controller: %v", err)
	}

	h := host.New(host.Options{})
	if err := h.Register(context.Background(), ctrl); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	app := fiber.New()
	RegisterStatusRoutes(app, h, storage)
	return app, h
}

func decodeJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("decode body failed: %v (body=%s)", err, string(data))
	}
}

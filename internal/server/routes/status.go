package routes

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/host"
	"github.com/any-hub/offline-hub/internal/version"
)

// StatusSource 提供宿主状态快照。
type StatusSource interface {
	Status() host.Status
	ActiveVersion() string
}

// RegisterStatusRoutes 暴露 /-/status 与 /-/caches 诊断接口，供运维查看当前版本与缓存内容。
func RegisterStatusRoutes(app *fiber.App, source StatusSource, storage cache.Storage) {
	if app == nil || source == nil || storage == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version": version.Full(),
			"worker":  source.Status(),
		})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		names, err := storage.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		caches, err := encodeCaches(ctx, storage, names, source.ActiveVersion())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		return c.JSON(fiber.Map{"caches": caches})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		name := c.Params("name")
		store, exists, err := storage.Lookup(ctx, name)
		switch {
		case errors.Is(err, cache.ErrInvalidName):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_cache_name"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_lookup_failed"})
		case !exists:
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_keys_failed"})
		}
		return c.JSON(fiber.Map{
			"name":    name,
			"current": name == source.ActiveVersion(),
			"entries": encodeKeys(keys),
		})
	})
}

type cachePayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

type entryPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func encodeCaches(ctx context.Context, storage cache.Storage, names []string, active string) ([]cachePayload, error) {
	result := make([]cachePayload, 0, len(names))
	for _, name := range names {
		// 列出名称后缓存可能已被激活流程删除，跳过即可，诊断接口不能重建它。
		store, ok, err := storage.Lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, err
		}
		result = append(result, cachePayload{
			Name:    name,
			Entries: len(keys),
			Current: name == active,
		})
	}
	return result, nil
}

func encodeKeys(keys []cache.Key) []entryPayload {
	result := make([]entryPayload, 0, len(keys))
	for _, key := range keys {
		result = append(result, entryPayload{Method: key.Method, URL: key.URL})
	}
	return result
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

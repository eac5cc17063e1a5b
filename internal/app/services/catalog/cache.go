package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stellarbeauty/relatorios/internal/app/domain/catalog"
	"github.com/stellarbeauty/relatorios/pkg/logger"
)

// Cache keeps browsed pages in Redis for a short TTL so a dashboard refresh
// does not re-run the same LIMIT/OFFSET scan.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
	log *logger.Logger
}

// NewCache wraps a Redis client. A nil client yields a nil cache, which the
// service treats as disabled.
func NewCache(rdb *redis.Client, ttl time.Duration, log *logger.Logger) *Cache {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("catalog-cache")
	}
	return &Cache{rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(schema, table string, page, pageSize int) string {
	return fmt.Sprintf("catalog:page:%s:%s:%d:%d", schema, table, page, pageSize)
}

// Get returns a cached page. Cache failures read as misses.
func (c *Cache) Get(ctx context.Context, schema, table string, page, pageSize int) (catalog.Page, bool) {
	data, err := c.rdb.Get(ctx, cacheKey(schema, table, page, pageSize)).Bytes()
	if err == redis.Nil {
		return catalog.Page{}, false
	}
	if err != nil {
		c.log.WithError(err).Debug("catalog cache read failed")
		return catalog.Page{}, false
	}

	var p catalog.Page
	if err := json.Unmarshal(data, &p); err != nil {
		return catalog.Page{}, false
	}
	return p, true
}

// Put stores a page. Failures only log; the page was already served.
func (c *Cache) Put(ctx context.Context, p catalog.Page) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(p.Schema, p.Table, p.Page, p.PageSize), data, c.ttl).Err(); err != nil {
		c.log.WithError(err).Debug("catalog cache write failed")
	}
}

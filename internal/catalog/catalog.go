// Package catalog реализует кэш каталога товаров внешнего API.
package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Klinti13/klint-market-gateway/internal/model"
)

// ErrProductNotFound возвращается при запросе товара, которого нет в каталоге.
var ErrProductNotFound = errors.New("product not found")

// Fetcher загружает каталог целиком из внешнего API.
type Fetcher interface {
	Products(ctx context.Context) ([]model.Product, error)
}

// Cache держит снимок каталога и перечитывает его по истечении TTL.
// Пока внешний API недоступен, отдаётся последний успешный снимок.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration

	mu        sync.RWMutex
	products  []model.Product
	fetchedAt time.Time
}

// NewCache создаёт кэш каталога с указанным временем жизни снимка.
func NewCache(f Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		fetcher: f,
		ttl:     ttl,
	}
}

// Refresh перечитывает каталог целиком. При ошибке предыдущий снимок сохраняется.
func (c *Cache) Refresh(ctx context.Context) error {
	products, err := c.fetcher.Products(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.products = products
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	return nil
}

func (c *Cache) snapshot() ([]model.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.fetchedAt.IsZero() {
		return nil, false
	}
	fresh := time.Since(c.fetchedAt) < c.ttl
	return c.products, fresh
}

// Products возвращает каталог, при устаревании снимка перечитывая его.
// Ошибка возвращается, только когда снимка нет вовсе.
func (c *Cache) Products(ctx context.Context) ([]model.Product, error) {
	products, fresh := c.snapshot()
	if fresh {
		return products, nil
	}

	if err := c.Refresh(ctx); err != nil {
		if products != nil {
			return products, nil
		}
		return nil, err
	}

	products, _ = c.snapshot()
	return products, nil
}

// Find возвращает товар каталога по идентификатору.
func (c *Cache) Find(ctx context.Context, id model.ProductID) (model.Product, error) {
	products, err := c.Products(ctx)
	if err != nil {
		return model.Product{}, err
	}

	for _, p := range products {
		if p.ID == id {
			return p, nil
		}
	}
	return model.Product{}, ErrProductNotFound
}

// Filter возвращает товары, отфильтрованные по категории и подстроке
// названия. Пустые аргументы фильтр не накладывают, регистр не учитывается.
func (c *Cache) Filter(ctx context.Context, category, query string) ([]model.Product, error) {
	products, err := c.Products(ctx)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(strings.TrimSpace(query))

	res := make([]model.Product, 0, len(products))
	for _, p := range products {
		if category != "" && !strings.EqualFold(p.Category, category) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(p.Name), query) {
			continue
		}
		res = append(res, p)
	}
	return res, nil
}

// Categories возвращает категории каталога в порядке первого появления.
func (c *Cache) Categories(ctx context.Context) ([]string, error) {
	products, err := c.Products(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var categories []string
	for _, p := range products {
		if p.Category == "" || seen[p.Category] {
			continue
		}
		seen[p.Category] = true
		categories = append(categories, p.Category)
	}
	return categories, nil
}

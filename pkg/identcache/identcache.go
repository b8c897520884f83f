// Package identcache memoizes branch, platform and test identifiers so a
// log can be parsed without a lookup per record.
package identcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethpandaops/respondoor/pkg/resultstore"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Names is the subset of the result store the cache reads and writes.
type Names interface {
	ListNames(ctx context.Context, kind resultstore.Kind) ([]resultstore.Name, error)
	FindName(ctx context.Context, kind resultstore.Kind, name string) (uint, error)
	CreateName(ctx context.Context, kind resultstore.Kind, name string) (uint, error)
}

// Cache is a write-through cache over the identifier tables. All methods
// are safe for concurrent use; Resolve and Rebuild share one lock.
type Cache struct {
	log   logrus.FieldLogger
	store Names

	mu    sync.Mutex
	cache *cache.Cache
}

// New creates an empty cache over store.
func New(log logrus.FieldLogger, store Names) *Cache {
	return &Cache{
		log:   log.WithField("component", "identcache"),
		store: store,
		cache: cache.New(cache.NoExpiration, 0),
	}
}

func key(kind resultstore.Kind, name string) string {
	return string(kind) + "\x00" + name
}

// Rebuild replaces the cache contents with every identifier in the store.
func (c *Cache) Rebuild(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := make(map[string]cache.Item, 64)

	for _, kind := range resultstore.Kinds {
		names, err := c.store.ListNames(ctx, kind)
		if err != nil {
			return fmt.Errorf("loading %s identifiers: %w", kind, err)
		}

		for _, n := range names {
			items[key(kind, n.Name)] = cache.Item{Object: n.ID}
		}
	}

	c.cache = cache.NewFrom(cache.NoExpiration, 0, items)

	c.log.WithField("count", len(items)).Debug("Identifier cache rebuilt")

	return nil
}

// Resolve returns the id for name, creating the identifier row on first
// sight. An empty name resolves to nothing and ok is false.
func (c *Cache) Resolve(
	ctx context.Context, kind resultstore.Kind, name string,
) (id uint, ok bool, err error) {
	if name == "" {
		return 0, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(kind, name)

	if v, found := c.cache.Get(k); found {
		return v.(uint), true, nil
	}

	id, createErr := c.store.CreateName(ctx, kind, name)
	if createErr != nil {
		// Another ingestion session may have inserted the same name since
		// the last rebuild; take its row if so.
		existing, findErr := c.store.FindName(ctx, kind, name)
		if findErr != nil {
			if errors.Is(findErr, resultstore.ErrNotFound) {
				return 0, false, createErr
			}

			return 0, false, errors.Join(createErr, findErr)
		}

		c.log.WithFields(logrus.Fields{
			"kind": kind,
			"name": name,
		}).Debug("Identifier created concurrently, reusing existing row")

		id = existing
	} else {
		c.log.WithFields(logrus.Fields{
			"kind": kind,
			"name": name,
			"id":   id,
		}).Debug("Created identifier")
	}

	c.cache.Set(k, id, cache.NoExpiration)

	return id, true, nil
}

// Len returns the number of cached identifiers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cache.ItemCount()
}

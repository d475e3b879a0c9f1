// Package cache invalidates the read-side Redis cache namespace after each
// successful scan tick so API consumers never serve prices older than the
// last completed scan.
package cache

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Invalidator deletes every key under a namespace prefix. The read API owns
// what it caches under the namespace; the scanner only signals staleness.
type Invalidator struct {
	client *redis.Client
	logger *log.Logger
}

// NewInvalidator builds an Invalidator over an already-dialed client.
func NewInvalidator(client *redis.Client, logger *log.Logger) *Invalidator {
	if logger == nil {
		logger = log.Default()
	}
	return &Invalidator{client: client, logger: logger}
}

// Invalidate removes every key matching "<namespace>:*" via SCAN + UNLINK,
// never KEYS, so a large cache doesn't block Redis mid-tick.
func (i *Invalidator) Invalidate(ctx context.Context, namespace string) error {
	if i.client == nil {
		return nil
	}

	pattern := namespace + ":*"
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := i.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("cache invalidate scan %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := i.client.Unlink(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache invalidate unlink: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if deleted > 0 {
		i.logger.Printf("cache: invalidated %d keys under %s", deleted, namespace)
	}
	return nil
}

package sw

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
)

// limitWatermark is the share of a store's limit kept after enforcement,
// in tenths.
const limitWatermark = 8

// LimitCacheSize enforces the byte limit of every store that has one.
func (w *Worker) LimitCacheSize(ctx context.Context) error {
	var errs []error
	for _, k := range Kinds {
		limit := w.cfg.Limits[k]
		if limit <= 0 {
			continue
		}
		c, ok, err := w.openExisting(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		n, err := LimitCache(ctx, c, limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("cache %s: %w", w.cfg.CacheName(k), err))
		}
		if n > 0 {
			w.opts.Metrics.evict("size", n)
			w.logger.Info(
				"cache size limited",
				zap.String("cache", w.cfg.CacheName(k)),
				zap.Int64("limit", limit),
				zap.Int("deleted", n),
			)
		}
	}
	return errors.Join(errs...)
}

type sizedEntry struct {
	key      string
	size     int64
	cachedAt time.Time
}

// LimitCache sums the body sizes of c. If the total exceeds limit, entries
// are deleted oldest HeaderCachedAt first until the total is at most 80% of
// limit. Entries without a valid HeaderCachedAt go first, equal times keep
// the insertion order. It returns the number of deleted entries.
func LimitCache(ctx context.Context, c cachestorage.Cache, limit int64) (int, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, err
	}
	entries := make([]sizedEntry, 0, len(keys))
	var total int64
	for _, key := range keys {
		r, ok, err := c.Match(ctx, key)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		e := sizedEntry{key: key, size: int64(len(r.Body))}
		e.cachedAt, _ = r.CachedAt()
		entries = append(entries, e)
		total += e.size
	}
	if total <= limit {
		return 0, nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].cachedAt.Before(entries[j].cachedAt)
	})
	target := limit * limitWatermark / 10
	deleted := 0
	for _, e := range entries {
		if total <= target {
			break
		}
		if _, err := c.Delete(ctx, e.key); err != nil {
			return deleted, err
		}
		total -= e.size
		deleted++
	}
	return deleted, nil
}

// DeleteExpired deletes the expired entries of all stores of this version
// and returns the number of deleted entries.
func (w *Worker) DeleteExpired(ctx context.Context) (int, error) {
	var errs []error
	total := 0
	for _, k := range Kinds {
		c, ok, err := w.openExisting(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		n, err := w.deleteExpired(ctx, c)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("cache %s: %w", w.cfg.CacheName(k), err))
		}
	}
	w.opts.Metrics.evict("expired", total)
	return total, errors.Join(errs...)
}

func (w *Worker) deleteExpired(ctx context.Context, c cachestorage.Cache) (int, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		r, ok, err := c.Match(ctx, key)
		if err != nil {
			return n, err
		}
		if !ok || !w.isExpired(r) {
			continue
		}
		if _, err := c.Delete(ctx, key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// CleanupOldCaches deletes the stores that carry this worker's prefix but
// not its version. It returns the number of deleted stores.
func (w *Worker) CleanupOldCaches(ctx context.Context) (int, error) {
	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		return 0, err
	}
	current := make(map[string]struct{}, len(Kinds))
	for _, n := range w.cfg.CacheNames() {
		current[n] = struct{}{}
	}
	prefix := w.cfg.Prefix + "-"
	deleted := 0
	for _, name := range names {
		if _, ok := current[name]; ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, err := w.opts.Storage.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("failed to delete cache %s: %w", name, err)
		}
		w.logger.Info("old cache deleted", zap.String("cache", name))
		deleted++
	}
	return deleted, nil
}

// Maintain runs one size and expiry sweep.
func (w *Worker) Maintain(ctx context.Context) error {
	limitErr := w.LimitCacheSize(ctx)
	n, expErr := w.DeleteExpired(ctx)
	w.logger.Debug("maintenance finished", zap.Int("expired", n))
	return errors.Join(limitErr, expErr)
}

func (w *Worker) startMaintenance() {
	w.maintWg.Add(1)
	go func() {
		defer w.maintWg.Done()
		ticker := time.NewTicker(w.cfg.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.Maintain(w.ctx); err != nil {
					w.logger.Warn("maintenance failed", zap.Error(err))
				}
			case <-w.ctx.Done():
				return
			}
		}
	}()
}

// openExisting opens the store of k without creating it.
func (w *Worker) openExisting(ctx context.Context, k CacheKind) (cachestorage.Cache, bool, error) {
	name := w.cfg.CacheName(k)
	ok, err := w.opts.Storage.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	c, err := w.opts.Storage.Open(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

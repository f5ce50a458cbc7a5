/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
	"github.com/churchfleet/fleetcache/pkg/pool"
	"github.com/churchfleet/fleetcache/pkg/utils"
)

var nopLogger = zap.NewNop()

type RedisStorageOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStorage.Close is called.
	// Optional.
	ClientCloser io.Closer

	// KeyPrefix is prepended to every redis key.
	// Default is "fleetcache:".
	KeyPrefix string

	// ClientTimeout specifies the timeout for each storage operation.
	// Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisStorage.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisStorageOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultString(&opts.KeyPrefix, "fleetcache:")
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisStorage is a cachestorage.Storage kept in redis, so cached responses
// survive restarts.
//
// Layout, with p as the key prefix:
//
//	p+"caches"       zset of cache names scored by creation sequence
//	p+"seq"          sequence counter
//	p+"c:"+name+":e" hash of key -> packed response
//	p+"c:"+name+":o" zset of keys scored by insertion sequence
type RedisStorage struct {
	opts RedisStorageOpts
}

var _ cachestorage.Storage = (*RedisStorage)(nil)

func NewRedisStorage(opts RedisStorageOpts) (*RedisStorage, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisStorage{opts: opts}, nil
}

func (s *RedisStorage) namesKey() string { return s.opts.KeyPrefix + "caches" }
func (s *RedisStorage) seqKey() string   { return s.opts.KeyPrefix + "seq" }
func (s *RedisStorage) entriesKey(name string) string {
	return s.opts.KeyPrefix + "c:" + name + ":e"
}
func (s *RedisStorage) orderKey(name string) string {
	return s.opts.KeyPrefix + "c:" + name + ":o"
}

func (s *RedisStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.ClientTimeout)
}

func (s *RedisStorage) nextSeq(ctx context.Context) (float64, error) {
	seq, err := s.opts.Client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return float64(seq), nil
}

func (s *RedisStorage) Open(ctx context.Context, name string) (cachestorage.Cache, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		seq, err := s.nextSeq(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.opts.Client.ZAddNX(ctx, s.namesKey(), &redis.Z{Score: seq, Member: name}).Err(); err != nil {
			return nil, fmt.Errorf("redis zadd: %w", err)
		}
	}
	return &redisCache{s: s, name: name}, nil
}

func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.has(ctx, name)
}

func (s *RedisStorage) has(ctx context.Context, name string) (bool, error) {
	err := s.opts.Client.ZScore(ctx, s.namesKey(), name).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis zscore: %w", err)
	}
	return true, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var zrem *redis.IntCmd
	_, err := s.opts.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entriesKey(name), s.orderKey(name))
		zrem = pipe.ZRem(ctx, s.namesKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete cache: %w", err)
	}
	return zrem.Val() > 0, nil
}

func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	names, err := s.opts.Client.ZRange(ctx, s.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

// Close closes the redis client.
func (s *RedisStorage) Close() error {
	if f := s.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

type redisCache struct {
	s    *RedisStorage
	name string
}

func (c *redisCache) Match(ctx context.Context, key string) (*cachestorage.Response, bool, error) {
	ctx, cancel := c.s.withTimeout(ctx)
	defer cancel()

	b, err := c.s.opts.Client.HGet(ctx, c.s.entriesKey(c.name), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis hget: %w", err)
	}
	r, err := unpackResponse(b)
	if err != nil {
		// A corrupted entry is dropped and reported as a miss.
		c.s.opts.Logger.Warn("redis data unpack error", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		_, _ = c.Delete(ctx, key)
		return nil, false, nil
	}
	return r, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, r *cachestorage.Response) error {
	ctx, cancel := c.s.withTimeout(ctx)
	defer cancel()

	data, err := packResponse(r)
	if err != nil {
		return err
	}
	defer data.Release()

	seq, err := c.s.nextSeq(ctx)
	if err != nil {
		return err
	}
	_, err = c.s.opts.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.s.entriesKey(c.name), key, data.Bytes())
		pipe.ZAdd(ctx, c.s.orderKey(c.name), &redis.Z{Score: seq, Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.s.withTimeout(ctx)
	defer cancel()

	var hdel *redis.IntCmd
	_, err := c.s.opts.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hdel = pipe.HDel(ctx, c.s.entriesKey(c.name), key)
		pipe.ZRem(ctx, c.s.orderKey(c.name), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete: %w", err)
	}
	return hdel.Val() > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := c.s.withTimeout(ctx)
	defer cancel()
	keys, err := c.s.opts.Client.ZRange(ctx, c.s.orderKey(c.name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return keys, nil
}

const packVersion = 1

// packResponse packs r into one frame:
//
//	version(1) status(2) urlLen(4) url headerLen(4) headerJSON snappy(body)
//
// The returned buffer should be released after use.
func packResponse(r *cachestorage.Response) (*pool.Buffer, error) {
	hdr, err := json.Marshal(r.Header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	body := snappy.Encode(nil, r.Body)

	n := 1 + 2 + 4 + len(r.URL) + 4 + len(hdr) + len(body)
	buf := pool.GetBuf(n)
	b := buf.Bytes()
	b[0] = packVersion
	binary.BigEndian.PutUint16(b[1:3], uint16(r.Status))
	off := 3
	binary.BigEndian.PutUint32(b[off:], uint32(len(r.URL)))
	off += 4
	off += copy(b[off:], r.URL)
	binary.BigEndian.PutUint32(b[off:], uint32(len(hdr)))
	off += 4
	off += copy(b[off:], hdr)
	copy(b[off:], body)
	return buf, nil
}

var errShortFrame = errors.New("frame is too short")

func unpackResponse(b []byte) (*cachestorage.Response, error) {
	if len(b) < 3+4 {
		return nil, errShortFrame
	}
	if b[0] != packVersion {
		return nil, fmt.Errorf("unknown frame version %d", b[0])
	}
	r := &cachestorage.Response{Status: int(binary.BigEndian.Uint16(b[1:3]))}
	b = b[3:]

	readChunk := func() ([]byte, error) {
		if len(b) < 4 {
			return nil, errShortFrame
		}
		l := int(binary.BigEndian.Uint32(b))
		b = b[4:]
		if len(b) < l {
			return nil, errShortFrame
		}
		chunk := b[:l]
		b = b[l:]
		return chunk, nil
	}

	u, err := readChunk()
	if err != nil {
		return nil, err
	}
	r.URL = string(u)

	hdr, err := readChunk()
	if err != nil {
		return nil, err
	}
	r.Header = make(http.Header)
	if err := json.Unmarshal(hdr, &r.Header); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	if r.Header == nil {
		r.Header = make(http.Header)
	}

	body, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	r.Body = body
	return r, nil
}

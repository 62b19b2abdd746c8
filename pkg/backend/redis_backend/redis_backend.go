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

package redis_backend

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/lpcache/pkg/backend"
	"github.com/pmkol/lpcache/pkg/utils"
)

var nopLogger = zap.NewNop()

const scanBatch = 256

type RedisBackendOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisBackend.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 50ms.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisBackend.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisBackendOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, 50*time.Millisecond)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisBackend is a durable backend on a redis server. While the server
// is unreachable the backend disables itself and behaves like an empty,
// read-only store until a ping succeeds again.
type RedisBackend struct {
	opts           RedisBackendOpts
	clientDisabled uint32

	closeOnce   sync.Once
	closeNotify chan struct{}
}

var _ backend.Backend = (*RedisBackend)(nil)

func NewRedisBackend(opts RedisBackendOpts) (*RedisBackend, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisBackend{
		opts:        opts,
		closeNotify: make(chan struct{}),
	}, nil
}

func (r *RedisBackend) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0 || utils.ClosedChan(r.closeNotify)
}

func (r *RedisBackend) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				select {
				case <-time.After(backoff):
				case <-r.closeNotify:
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

func (r *RedisBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opts.ClientTimeout)
}

func (r *RedisBackend) Write(rawKey string, rawValue []byte) bool {
	if r.disabled() {
		return false
	}

	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.opts.Client.Set(ctx, rawKey, rawValue, 0).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
		return false
	}
	return true
}

func (r *RedisBackend) Read(rawKey string) ([]byte, bool) {
	if r.disabled() {
		return nil, false
	}

	ctx, cancel := r.ctx()
	defer cancel()
	b, err := r.opts.Client.Get(ctx, rawKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.opts.Logger.Warn("redis get", zap.Error(err))
			r.disableClient()
		}
		return nil, false
	}
	return b, true
}

func (r *RedisBackend) Remove(rawKey string) {
	if r.disabled() {
		return
	}

	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.opts.Client.Del(ctx, rawKey).Err(); err != nil {
		r.opts.Logger.Warn("redis del", zap.Error(err))
		r.disableClient()
	}
}

func (r *RedisBackend) ListKeys(prefix string) []string {
	if r.disabled() {
		return nil
	}

	ctx, cancel := r.ctx()
	defer cancel()
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.opts.Client.Scan(ctx, cursor, escapeGlob(prefix)+"*", scanBatch).Result()
		if err != nil {
			r.opts.Logger.Warn("redis scan", zap.Error(err))
			r.disableClient()
			return keys
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys
		}
		cursor = next
	}
}

// Clear deletes prefix keys through a pipeline.
func (r *RedisBackend) Clear(prefix string) {
	keys := r.ListKeys(prefix)
	if len(keys) == 0 || r.disabled() {
		return
	}

	ctx, cancel := r.ctx()
	defer cancel()
	pipeline := r.opts.Client.Pipeline()
	for _, k := range keys {
		pipeline.Del(ctx, k)
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		r.opts.Logger.Warn("redis pipeline del", zap.Error(err))
		r.disableClient()
	}
}

func (r *RedisBackend) Kind() backend.Kind {
	return backend.Durable
}

// Close closes the redis client.
func (r *RedisBackend) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closeNotify)
		if f := r.opts.ClientCloser; f != nil {
			err = f.Close()
		}
	})
	return err
}

// escapeGlob escapes the redis glob meta characters in s.
func escapeGlob(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '*', '?', '[', ']', '\\':
			b = append(b, '\\', c)
		default:
			b = append(b, c)
		}
	}
	return string(b)
}

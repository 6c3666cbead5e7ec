// Package redis persists topic cursors as plain Redis string keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/shogotsuneto/go-simple-mirror"
)

// Compile-time interface compliance check
var _ mirror.CursorBackend = (*CursorBackend)(nil)

// advanceScript sets KEYS[1] to ARGV[1] unless the stored offset is equal or
// later. ARGV[2] and ARGV[3] are the seconds and nanoseconds of ARGV[1].
var advanceScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local s, f = string.match(cur, '^(%d+)%.?(%d*)$')
	if s then
		f = f .. string.rep('0', 9 - #f)
		local cs, cn = tonumber(s), tonumber(f)
		local ns, nn = tonumber(ARGV[2]), tonumber(ARGV[3])
		if ns < cs or (ns == cs and nn <= cn) then
			return 0
		end
	end
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// CursorBackend stores cursors in Redis.
type CursorBackend struct {
	client   goredis.UniversalClient
	scanSize int64
}

// Connect builds a client from a redis:// URL or a host:port address.
func Connect(addr string) (*goredis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := goredis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return goredis.NewClient(opt), nil
	}
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis address is required")
	}
	return goredis.NewClient(&goredis.Options{Addr: addr}), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient) *CursorBackend {
	return &CursorBackend{client: client, scanSize: 100}
}

// Ping checks connectivity.
func (b *CursorBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (b *CursorBackend) Close() error {
	return b.client.Close()
}

// Get returns the stored offset for key.
func (b *CursorBackend) Get(ctx context.Context, key string) (string, bool, error) {
	offset, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cursor: %w", err)
	}
	return offset, true, nil
}

// Put stores offset for key unless a later offset is already stored.
func (b *CursorBackend) Put(ctx context.Context, key, offset string) error {
	o, ok := mirror.ParseOffset(offset)
	if !ok {
		return fmt.Errorf("%w: %q", mirror.ErrInvalidOffset, offset)
	}
	if err := advanceScript.Run(ctx, b.client, []string{key}, offset, o.Seconds, o.Nanos).Err(); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// Delete removes key.
func (b *CursorBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix using SCAN.
func (b *CursorBackend) DeletePrefix(ctx context.Context, prefix string) error {
	iter := b.client.Scan(ctx, 0, escapeGlob(prefix)+"*", b.scanSize).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= b.scanSize {
			if err := b.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("delete cursors: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cursors: %w", err)
	}
	if len(batch) > 0 {
		if err := b.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("delete cursors: %w", err)
		}
	}
	return nil
}

// escapeGlob escapes Redis MATCH metacharacters.
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

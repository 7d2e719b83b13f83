package oauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding the token record.
const DefaultRedisKey = "people-cli:token"

const (
	fieldAccessToken  = "accessToken"
	fieldRefreshToken = "refreshToken"
	fieldExpiredOn    = "expiredOn"
)

// RedisBackend keeps the record in a Redis hash with the fields accessToken,
// refreshToken and expiredOn.
type RedisBackend struct {
	client redis.Cmdable
	key    string
}

// NewRedisBackend stores the record under key, or DefaultRedisKey if empty.
func NewRedisBackend(client redis.Cmdable, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Load(ctx context.Context) (Token, error) {
	fields, err := b.client.HGetAll(ctx, b.key).Result()
	if errors.Is(err, redis.Nil) {
		return Token{}, ErrNoToken
	}
	if err != nil {
		return Token{}, fmt.Errorf("redis hgetall %s: %w", b.key, err)
	}
	if len(fields) == 0 {
		return Token{}, ErrNoToken
	}

	var expiresAt int64
	if raw := fields[fieldExpiredOn]; raw != "" {
		expiresAt, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Token{}, fmt.Errorf("redis %s: parse %s: %w", b.key, fieldExpiredOn, err)
		}
	}
	return Token{
		AccessToken:  fields[fieldAccessToken],
		RefreshToken: fields[fieldRefreshToken],
		ExpiresAt:    expiresAt,
	}, nil
}

// Save replaces the whole hash in one MULTI/EXEC so readers never see a mix
// of old and new fields.
func (b *RedisBackend) Save(ctx context.Context, token Token) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.key)
	pipe.HSet(ctx, b.key,
		fieldAccessToken, token.AccessToken,
		fieldRefreshToken, token.RefreshToken,
		fieldExpiredOn, strconv.FormatInt(token.ExpiresAt, 10),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save %s: %w", b.key, err)
	}
	return nil
}

func (b *RedisBackend) Clear(ctx context.Context) error {
	if err := b.client.Del(ctx, b.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", b.key, err)
	}
	return nil
}

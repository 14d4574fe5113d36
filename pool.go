package pool

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// expirations in seconds for SetStringEx
const (
	ExpireHour  = 60 * 60
	ExpireDay   = 60 * 60 * 24
	ExpireMonth = 60 * 60 * 24 * 30
)

var (
	ErrEndpointUnreachable = errors.New("no reachable redis endpoint")
	ErrPoolExhausted       = errors.New("redis pool exhausted")
	ErrPoolClosed          = errors.New("redis pool closed")
)

func newErrorIntCmd(err error) *redis.IntCmd {
	cmd := &redis.IntCmd{}
	cmd.SetErr(err)
	return cmd
}

func newErrorBoolCmd(err error) *redis.BoolCmd {
	cmd := &redis.BoolCmd{}
	cmd.SetErr(err)
	return cmd
}

func newErrorStatusCmd(err error) *redis.StatusCmd {
	cmd := &redis.StatusCmd{}
	cmd.SetErr(err)
	return cmd
}

func newErrorStringCmd(err error) *redis.StringCmd {
	cmd := &redis.StringCmd{}
	cmd.SetErr(err)
	return cmd
}

func newErrorDurationCmd(err error) *redis.DurationCmd {
	cmd := &redis.DurationCmd{}
	cmd.SetErr(err)
	return cmd
}

func (m *Manager) Ping(ctx context.Context) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := m.WithConn(ctx, func(cn *Conn) error {
		cmd = cn.Ping(ctx)
		return cmd.Err()
	})
	if cmd == nil {
		return newErrorStatusCmd(err)
	}
	return cmd
}

func (m *Manager) Get(ctx context.Context, key string) *redis.StringCmd {
	var cmd *redis.StringCmd
	err := m.WithConn(ctx, func(cn *Conn) error {
		cmd = cn.Get(ctx, key)
		return cmd.Err()
	})
	if cmd == nil {
		return newErrorStringCmd(err)
	}
	return cmd
}

func (m *Manager) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := m.WithConn(ctx, func(cn *Conn) error {
		cmd = cn.Set(ctx, key, value, expiration)
		return cmd.Err()
	})
	if cmd == nil {
		return newErrorStatusCmd(err)
	}
	return cmd
}

func (m *Manager) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	var cmd *redis.BoolCmd
	err := m.WithConn(ctx, func(cn *Conn) error {
		cmd = cn.SetNX(ctx, key, value, expiration)
		return cmd.Err()
	})
	if cmd == nil {
		return newErrorBoolCmd(err)
	}
	return cmd
}

func (m *Manager) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := m.WithConn(ctx, func(cn *Conn) error {
		cmd = cn.Del(ctx, keys...)
		return cmd.Err()
	})
	if cmd == nil {
		return newErrorIntCmd(err)
	}
	return cmd
}

func (m *Manager) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := m.WithConn(ctx, func(cn *Conn) error {
		cmd = cn.Exists(ctx, keys...)
		return cmd.Err()
	})
	if cmd == nil {
		return newErrorIntCmd(err)
	}
	return cmd
}

func (m *Manager) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	var cmd *redis.BoolCmd
	err := m.WithConn(ctx, func(cn *Conn) error {
		cmd = cn.Expire(ctx, key, expiration)
		return cmd.Err()
	})
	if cmd == nil {
		return newErrorBoolCmd(err)
	}
	return cmd
}

func (m *Manager) TTL(ctx context.Context, key string) *redis.DurationCmd {
	var cmd *redis.DurationCmd
	err := m.WithConn(ctx, func(cn *Conn) error {
		cmd = cn.TTL(ctx, key)
		return cmd.Err()
	})
	if cmd == nil {
		return newErrorDurationCmd(err)
	}
	return cmd
}

func (m *Manager) Incr(ctx context.Context, key string) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := m.WithConn(ctx, func(cn *Conn) error {
		cmd = cn.Incr(ctx, key)
		return cmd.Err()
	})
	if cmd == nil {
		return newErrorIntCmd(err)
	}
	return cmd
}

// SetString stores value under key without expiration.
func (m *Manager) SetString(ctx context.Context, key, value string) error {
	err := m.Set(ctx, key, value, 0).Err()
	if err != nil {
		m.log.Error().Err(err).Str("key", key).Msg("Failed to set key")
	}
	return err
}

// SetStringEx stores value under key for the given number of seconds.
func (m *Manager) SetStringEx(ctx context.Context, key string, seconds int, value string) error {
	var err error
	if seconds <= 0 {
		err = errors.New("the expiration should be positive")
	} else {
		err = m.Set(ctx, key, value, time.Duration(seconds)*time.Second).Err()
	}
	if err != nil {
		m.log.Error().Err(err).Str("key", key).Int("seconds", seconds).Msg("Failed to set key with expiration")
	}
	return err
}

// GetString returns the value of key. The second result is false if the
// key doesn't exist or the lookup failed.
func (m *Manager) GetString(ctx context.Context, key string) (string, bool) {
	val, err := m.Get(ctx, key).Result()
	switch {
	case err == nil:
		return val, true
	case errors.Is(err, redis.Nil):
		return "", false
	default:
		m.log.Error().Err(err).Str("key", key).Msg("Failed to get key")
		return "", false
	}
}

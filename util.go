package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// normalizeAddr appends the default port to addresses that carry none.
func normalizeAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defaultPort)
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isCanceled reports whether err is owed to the caller giving up on ctx
// rather than to the endpoint.
func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isDialError reports whether err comes from opening a new connection.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// isRedisError reports whether the server replied with an error, which
// leaves the connection usable. redis.Nil is one of them.
func isRedisError(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr)
}

// waitContext bounds ctx by maxWait, a negative maxWait only honors ctx.
func waitContext(ctx context.Context, maxWait time.Duration) (context.Context, context.CancelFunc) {
	if maxWait < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, maxWait)
}

package pool

import (
	"context"
	"net"

	"github.com/redis/go-redis/v9"
)

// failureHook feeds the network failures of a backend's client into its
// consecutive failure counter.
type failureHook struct {
	*backend
}

var _ redis.Hook = failureHook{}

func newFailureHook(b *backend) failureHook {
	return failureHook{
		backend: b,
	}
}

func (h failureHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)

		if isNetworkError(err) && !isCanceled(ctx, err) {
			h.onFailure()
		}

		return conn, err
	}
}

func (h failureHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.record(ctx, err)
		return err
	}
}

func (h failureHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		h.record(ctx, err)
		return err
	}
}

// record leaves the counter alone for errors caused by the caller's ctx and
// for dial errors, which DialHook has counted already.
func (h failureHook) record(ctx context.Context, err error) {
	switch {
	case err == nil || isRedisError(err):
		h.onSuccess()
	case isCanceled(ctx, err) || isDialError(err):
	case isNetworkError(err):
		h.onFailure()
	}
}

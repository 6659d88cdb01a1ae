package xinbox

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xinbox (prevents collisions).
type ctxKey string

const (
	loggerCtxKey ctxKey = "xinbox:logger"
	clockCtxKey  ctxKey = "xinbox:clock"
	busCtxKey    ctxKey = "xinbox:bus"
	clientCtxKey ctxKey = "xinbox:client"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the client-scoped logger handed to handlers.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectBus(ctx context.Context, b *Bus) context.Context {
	if b == nil {
		return ctx
	}
	return context.WithValue(ctx, busCtxKey, b)
}

// BusFromContext returns the bus a delivered message arrived on.
func BusFromContext(ctx context.Context) (*Bus, bool) {
	b, ok := ctx.Value(busCtxKey).(*Bus)
	return b, ok && b != nil
}

func injectClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientCtxKey, id)
}

// ClientIDFromContext returns the id of the client whose handler is running.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientCtxKey).(string)
	return id, ok && id != ""
}

package xinbox

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("bus_id", e.BusID),
		xlog.Str("client_id", e.ClientID),
	)
	if e.MessageID != NoCursor {
		ev = ev.With(
			xlog.Str("message_id", e.MessageID.String()),
			xlog.Str("priority", e.Priority.String()),
		)
	}
	switch e.Type {
	case Error, HandlerFailed, PollFailed:
		ev.Warn().Err(e.Err).Msg("xinbox event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xinbox event")
	}
}

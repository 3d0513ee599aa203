package dsroute

import (
	"fmt"
	"log/slog"
	"time"
)

type LogEvent interface {
	EventName() string
	Message() string
	LogLevel() slog.Level
	LogAttrs() []slog.Attr
}

type baseEvent struct {
	EventTime time.Time
}

func newBaseEvent() baseEvent {
	return baseEvent{EventTime: time.Now()}
}

func (e baseEvent) baseAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("component", "dsroute.datasource"),
		slog.Time("event_time", e.EventTime),
	}
}

func keyAttr(key Identifier, set bool) slog.Attr {
	if !set {
		return slog.String("routing_key", "")
	}
	return slog.String("routing_key", key.String())
}

// TargetResolvedEvent is reported for every lookup that found a target,
// including lookups that fell back to the default.
type TargetResolvedEvent struct {
	baseEvent
	Key    Identifier
	KeySet bool
	Target Identifier
}

func (e TargetResolvedEvent) EventName() string    { return "target_resolved" }
func (e TargetResolvedEvent) Message() string      { return "Datasource target resolved" }
func (e TargetResolvedEvent) LogLevel() slog.Level { return slog.LevelDebug }
func (e TargetResolvedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		keyAttr(e.Key, e.KeySet),
		slog.String("target", e.Target.String()),
	)
	return attrs
}

// FallbackEvent is reported when the routing key names a datasource that
// is not configured and the default one is used instead.
type FallbackEvent struct {
	baseEvent
	Key Identifier
}

func (e FallbackEvent) EventName() string { return "fallback_to_default" }
func (e FallbackEvent) Message() string {
	return fmt.Sprintf("No %s datasource configured, using default", e.Key)
}
func (e FallbackEvent) LogLevel() slog.Level { return slog.LevelDebug }
func (e FallbackEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		keyAttr(e.Key, true),
	)
	return attrs
}

type AcquireFailedEvent struct {
	baseEvent
	Op     string
	Target Identifier
	Error  error
}

func (e AcquireFailedEvent) EventName() string { return "acquire_failed" }
func (e AcquireFailedEvent) Message() string {
	return fmt.Sprintf("Failed to %s on %s datasource", e.Op, e.Target)
}
func (e AcquireFailedEvent) LogLevel() slog.Level { return slog.LevelError }
func (e AcquireFailedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		slog.String("op", e.Op),
		slog.String("target", e.Target.String()),
	)
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

type RoutingKeyLeakEvent struct {
	baseEvent
	Key Identifier
}

func (e RoutingKeyLeakEvent) EventName() string { return "routing_key_leak" }
func (e RoutingKeyLeakEvent) Message() string {
	return fmt.Sprintf("Routing key %s leaked into a new operation", e.Key)
}
func (e RoutingKeyLeakEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e RoutingKeyLeakEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		keyAttr(e.Key, true),
	)
	return attrs
}

type ClosedEvent struct {
	baseEvent
	Error error
}

func (e ClosedEvent) EventName() string    { return "closed" }
func (e ClosedEvent) Message() string      { return "Datasource closed" }
func (e ClosedEvent) LogLevel() slog.Level { return slog.LevelInfo }
func (e ClosedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs, slog.String("event", e.EventName()))
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

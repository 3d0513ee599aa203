package dsroute

import (
	"context"
	"log"
	"log/slog"
	"strings"
)

type Logger interface {
	Report(event LogEvent, ds *DataSource)
}

type SlogLogger struct {
	logger *slog.Logger
	ctx    context.Context
}

func NewSlogLogger(logger *slog.Logger) SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return SlogLogger{
		logger: logger,
		ctx:    context.Background(),
	}
}

func (l *SlogLogger) WithContext(ctx context.Context) SlogLogger {
	return SlogLogger{
		logger: l.logger,
		ctx:    ctx,
	}
}

func (l SlogLogger) Report(event LogEvent, ds *DataSource) {
	level := event.LogLevel()
	if !l.logger.Enabled(l.ctx, level) {
		return
	}

	attrs := event.LogAttrs()

	if ds != nil {
		keys := make(map[string]bool, len(attrs))
		for _, a := range attrs {
			keys[a.Key] = true
		}

		if !keys["targets"] {
			names := make([]string, 0, len(ds.targets))
			for _, id := range ds.Targets() {
				names = append(names, id.String())
			}
			attrs = append(attrs, slog.String("targets", strings.Join(names, ",")))
		}
	}

	l.logger.LogAttrs(l.ctx, level, event.Message(), attrs...)
}

type SimpleLogger struct{}

func (l SimpleLogger) Report(event LogEvent, ds *DataSource) {
	if event.LogLevel() < slog.LevelInfo {
		return
	}

	log.Printf("[%s] %s [event=%s]", event.LogLevel(), event.Message(), event.EventName())

	for _, attr := range event.LogAttrs() {
		if attr.Key == "error" {
			log.Printf("  Error: %v", attr.Value.Any())
		}
	}
}

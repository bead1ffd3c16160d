// Пакет service — бизнес-логика FileHub: движки загрузки и скачивания,
// политика доступа, учёт квот, rate limiter и фоновые воркеры.
//
// events.go — EventSink: структурированные события ядра.
// Ядро не пишет в логи напрямую о доменных событиях — оно эмитит их
// через этот интерфейс; подключение к slog выполняет композиционный корень.
package service

import (
	"context"
	"log/slog"
)

// Event — одно структурированное событие ядра.
type Event struct {
	// Name — имя события, например "upload.completed"
	Name string
	// Fields — произвольные атрибуты события
	Fields map[string]any
}

// EventSink — приёмник структурированных событий ядра.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// SlogSink — реализация EventSink поверх slog.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink создаёт приёмник событий, пишущий в slog.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With(slog.String("component", "events"))}
}

// Emit пишет событие на уровне info с полями как атрибутами.
func (s *SlogSink) Emit(ctx context.Context, e Event) {
	attrs := make([]any, 0, len(e.Fields)*2+2)
	attrs = append(attrs, slog.String("event", e.Name))
	for k, v := range e.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.InfoContext(ctx, "Событие", attrs...)
}

// NopSink — EventSink, отбрасывающий события. Используется в тестах.
type NopSink struct{}

// Emit ничего не делает.
func (NopSink) Emit(context.Context, Event) {}

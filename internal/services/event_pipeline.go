package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
)

// EventRecorder persists security events
type EventRecorder interface {
	Record(ctx context.Context, event *models.SecurityEvent) *models.SecurityEvent
}

// Notifier delivers security notifications
type Notifier interface {
	Notify(ctx context.Context, kind NotificationType, event *models.SecurityEvent)
}

// EventPipeline records security events and sends their notifications off
// the request path. Wait blocks until every dispatched event is handled.
type EventPipeline struct {
	recorder EventRecorder
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewEventPipeline creates a new EventPipeline. notifier may be nil.
func NewEventPipeline(recorder EventRecorder, notifier Notifier, logger *slog.Logger) *EventPipeline {
	return &EventPipeline{
		recorder: recorder,
		notifier: notifier,
		timeout:  45 * time.Second,
		logger:   logger,
	}
}

// Dispatch records event and, when kind is non-empty, notifies about it.
// The work outlives the request: ctx values are kept, its cancellation is not.
func (p *EventPipeline) Dispatch(ctx context.Context, kind NotificationType, event *models.SecurityEvent) {
	if p == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("security event pipeline panicked",
					slog.String("type", event.Type),
					slog.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		recorded := p.recorder.Record(ctx, event)
		if kind != "" && p.notifier != nil {
			p.notifier.Notify(ctx, kind, recorded)
		}
	}()
}

// Wait blocks until all dispatched events are recorded and notified
func (p *EventPipeline) Wait() {
	if p == nil {
		return
	}
	p.wg.Wait()
}

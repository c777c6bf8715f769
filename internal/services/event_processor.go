package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ledgerbot/internal/amqp"
	"ledgerbot/internal/ledger"
	"ledgerbot/internal/log"
	"ledgerbot/internal/ratelimit"
)

// EventSource delivers ledger events published by other processes.
type EventSource interface {
	Origin() string
	ConsumeEvents(ctx context.Context, handler func(context.Context, *amqp.LedgerEvent) error) error
}

type EventProcessorConfig struct {
	// RetryDelay is the first pause before resubscribing after the
	// consumer stops unexpectedly (default: 2s)
	RetryDelay time.Duration
	// MaxRetryDelay caps the resubscribe backoff (default: 1m)
	MaxRetryDelay time.Duration
}

func DefaultEventProcessorConfig() EventProcessorConfig {
	return EventProcessorConfig{
		RetryDelay:    2 * time.Second,
		MaxRetryDelay: time.Minute,
	}
}

// EventProcessor keeps this process's mirror current when other processes
// write to the same store: every foreign event forces a refresh and drops
// memoized results.
type EventProcessor struct {
	source  EventSource
	ledger  *ledger.Cache
	service *LedgerService
	config  EventProcessorConfig
	logger  *log.Logger

	handled atomic.Int64
	ignored atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewEventProcessor(source EventSource, l *ledger.Cache, service *LedgerService, config EventProcessorConfig, logger *log.Logger) *EventProcessor {
	def := DefaultEventProcessorConfig()
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = def.MaxRetryDelay
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &EventProcessor{
		source:  source,
		ledger:  l,
		service: service,
		config:  config,
		logger:  logger.WithComponent(log.ComponentAMQP),
	}
}

// Start begins consuming. Returns an error if already running.
func (p *EventProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("event processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.runLoop(ctx, p.stopCh, p.doneCh)
	p.logger.InfoContext(ctx, "Event processor started", "origin", p.source.Origin())
	return nil
}

// Stop signals the consumer and waits for it to exit.
func (p *EventProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
		p.logger.InfoContext(ctx, "Event processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WarnContext(ctx, "Event processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *EventProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Counts returns how many foreign events were handled and how many of this
// process's own events were ignored.
func (p *EventProcessor) Counts() (handled, ignored int64) {
	return p.handled.Load(), p.ignored.Load()
}

func (p *EventProcessor) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		started := time.Now()
		err := p.source.ConsumeEvents(ctx, p.Handle)
		if ctx.Err() != nil {
			return
		}
		attempt = nextAttempt(attempt, time.Since(started), p.config.MaxRetryDelay)
		delay := ratelimit.ExponentialBackoff(p.config.RetryDelay, p.config.MaxRetryDelay, attempt)
		p.logger.WarnContext(ctx, "Event consumer stopped, resubscribing",
			log.FieldError, fmt.Sprint(err), log.FieldAttempt, attempt, log.FieldBackoff, delay.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// nextAttempt counts consecutive consumer failures. A session that outlived
// the longest backoff was healthy, so the count starts over.
func nextAttempt(prev int, ran, healthy time.Duration) int {
	if ran > healthy {
		return 1
	}
	return prev + 1
}

// Handle applies one event. Store trouble during the refresh is logged and
// the event acknowledged; the scheduled refresh catches up later.
func (p *EventProcessor) Handle(ctx context.Context, event *amqp.LedgerEvent) error {
	if event.Origin == p.source.Origin() {
		p.ignored.Add(1)
		return nil
	}
	p.handled.Add(1)
	if p.service != nil {
		p.service.Invalidate()
	}

	err := p.ledger.Refresh(ctx, true)
	switch {
	case err == nil:
		p.logger.DebugContext(ctx, "Mirror refreshed after foreign write",
			"event_id", event.ID, "origin", event.Origin, log.FieldTxnID, event.TransactionID)
	case errors.Is(err, ledger.ErrRefreshSkipped):
		p.logger.DebugContext(ctx, "Refresh skipped under quota pressure", "event_id", event.ID)
	default:
		p.logger.WarnContext(ctx, "Refresh after foreign write failed",
			"event_id", event.ID, log.FieldError, err.Error())
	}
	return nil
}

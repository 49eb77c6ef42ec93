package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultInitialDelay is how long a scheduled entry waits before its
// first tick, so a fleet restart does not flood the queue before all
// containers are back.
const DefaultInitialDelay = 10 * time.Minute

// SchedulerBridge turns periodic triggers into dispatches instead of
// direct handler calls. Only the elected scheduler instance produces
// messages; on every other instance each tick is a no-op, so a handler
// can be scheduled on the whole fleet while running logically once.
type SchedulerBridge struct {
	dispatcher *Dispatcher
	elected    bool
	logger     *slog.Logger

	mu      sync.Mutex
	entries []*scheduleEntry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type scheduleEntry struct {
	handlerID    string
	interval     time.Duration
	initialDelay time.Duration
}

// SchedulerOption configures the SchedulerBridge.
type SchedulerOption func(*SchedulerBridge)

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *SchedulerBridge) {
		s.logger = logger
	}
}

// WithElected marks this instance as the designated scheduler. The
// flag comes from deployment configuration; there is no runtime
// election.
func WithElected(elected bool) SchedulerOption {
	return func(s *SchedulerBridge) {
		s.elected = elected
	}
}

// NewSchedulerBridge creates a scheduler bridge over the dispatcher.
func NewSchedulerBridge(dispatcher *Dispatcher, options ...SchedulerOption) *SchedulerBridge {
	s := &SchedulerBridge{
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// ScheduleOption configures one scheduled entry.
type ScheduleOption func(*scheduleEntry)

// WithInitialDelay overrides the delay before the first tick.
func WithInitialDelay(d time.Duration) ScheduleOption {
	return func(e *scheduleEntry) {
		e.initialDelay = d
	}
}

// Schedule registers a fixed-rate dispatch of the named handler. The
// handler must be registered and must take zero arguments; durability
// and delivery delay come from its registration metadata.
func (s *SchedulerBridge) Schedule(handlerID string, interval time.Duration, options ...ScheduleOption) error {
	if interval <= 0 {
		return fmt.Errorf("schedule interval must be positive")
	}
	if _, err := s.dispatcher.registry.Lookup(handlerID); err != nil {
		return err
	}

	entry := &scheduleEntry{
		handlerID:    handlerID,
		interval:     interval,
		initialDelay: DefaultInitialDelay,
	}

	for _, opt := range options {
		opt(entry)
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	s.logger.Info("scheduled periodic dispatch",
		"handlerId", handlerID,
		"interval", interval,
		"initialDelay", entry.initialDelay,
		"elected", s.elected,
	)
	return nil
}

// Elected reports whether this instance produces scheduled dispatches.
func (s *SchedulerBridge) Elected() bool {
	return s.elected
}

// Start begins ticking all scheduled entries. It returns immediately;
// ticking stops when ctx is cancelled or Stop is called.
func (s *SchedulerBridge) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	entries := make([]*scheduleEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	for _, entry := range entries {
		s.wg.Add(1)
		go s.run(runCtx, entry)
	}
}

// Stop cancels all tickers and waits for them to exit.
func (s *SchedulerBridge) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *SchedulerBridge) run(ctx context.Context, entry *scheduleEntry) {
	defer s.wg.Done()

	if entry.initialDelay > 0 {
		select {
		case <-time.After(entry.initialDelay):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(entry.interval)
	defer ticker.Stop()

	s.tick(ctx, entry)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx, entry)
		case <-ctx.Done():
			return
		}
	}
}

// tick produces one scheduled dispatch on the elected instance and
// does nothing anywhere else.
func (s *SchedulerBridge) tick(ctx context.Context, entry *scheduleEntry) {
	if !s.elected {
		s.logger.Debug("ignoring scheduled tick, scheduler not elected here",
			"handlerId", entry.handlerID)
		return
	}

	s.logger.Info("queuing scheduled dispatch", "handlerId", entry.handlerID)
	if err := s.dispatcher.Dispatch(ctx, entry.handlerID, nil); err != nil {
		s.logger.Error("scheduled dispatch failed",
			"handlerId", entry.handlerID,
			"error", err,
		)
	}
}

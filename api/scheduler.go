/*
scheduler.go - Automated generation scheduler

PURPOSE:
  Periodically runs a generation batch and, when enabled, the reminder
  dispatcher. This is the cron trigger; POST /api/recurring/generate is the
  manual one. Both call the same Coordinator, and the store's unique
  (rule_id, due_date) constraint keeps them from double-generating.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs immediately on start, then on every tick
  - Notify() requests an early check (e.g. right after a rule is created);
    a pending request absorbs further ones
  - Each tick is one Coordinator.Run; catch-up across missed periods
    happens one occurrence per tick

CONFIGURATION:
  - CheckInterval:    How often to check (default: 1 hour)
  - Enabled:          Whether scheduler is active (default: true)
  - RemindersEnabled: Also run the reminder dispatcher (default: true)

USAGE:
  scheduler := NewGenerationScheduler(handler.Coordinator, handler.Reminders)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Generate endpoint (manual trigger)
  - generic/coordinator.go: Coordinator.Run
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/recurrence-engine/generic"
)

// GenerationScheduler handles periodic generation and reminders.
type GenerationScheduler struct {
	Coordinator      *generic.Coordinator
	Reminders        *generic.ReminderDispatcher
	Clock            generic.Clock
	CheckInterval    time.Duration
	Enabled          bool
	RemindersEnabled bool

	ticker   *time.Ticker
	stop     chan struct{}
	notifyCh chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex // guards Start/Stop

	lastMu  sync.Mutex
	lastRun time.Time
}

// NewGenerationScheduler creates a new scheduler.
func NewGenerationScheduler(coordinator *generic.Coordinator, reminders *generic.ReminderDispatcher) *GenerationScheduler {
	return &GenerationScheduler{
		Coordinator:      coordinator,
		Reminders:        reminders,
		Clock:            generic.SystemClock{},
		CheckInterval:    1 * time.Hour,
		Enabled:          true,
		RemindersEnabled: true,
		notifyCh:         make(chan struct{}, 1),
	}
}

// Start begins the scheduler.
func (gs *GenerationScheduler) Start() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if !gs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}
	if gs.ticker != nil {
		return
	}

	gs.ticker = time.NewTicker(gs.CheckInterval)
	gs.stop = make(chan struct{})
	gs.wg.Add(1)

	go gs.run(gs.ticker.C, gs.stop)

	log.Printf("[Scheduler] Started with check interval: %v", gs.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (gs *GenerationScheduler) Stop() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.ticker != nil {
		gs.ticker.Stop()
		close(gs.stop)
		gs.wg.Wait()
		gs.ticker = nil
		log.Println("[Scheduler] Stopped")
	}
}

// Notify requests an immediate check. Non-blocking.
func (gs *GenerationScheduler) Notify() {
	select {
	case gs.notifyCh <- struct{}{}:
	default:
	}
}

func (gs *GenerationScheduler) run(tick <-chan time.Time, stop <-chan struct{}) {
	defer gs.wg.Done()

	// Run immediately on start
	gs.checkAndProcess()

	for {
		select {
		case <-tick:
			gs.checkAndProcess()
		case <-gs.notifyCh:
			gs.checkAndProcess()
		case <-stop:
			return
		}
	}
}

func (gs *GenerationScheduler) checkAndProcess() {
	ctx := context.Background()
	now := gs.Clock.Now()

	report, err := gs.Coordinator.Run(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] Generation failed: %v", err)
	} else {
		for _, e := range report.Errors {
			log.Printf("[Scheduler] %v", e)
		}
	}

	if gs.RemindersEnabled && gs.Reminders != nil {
		if _, err := gs.Reminders.Run(ctx, now); err != nil {
			log.Printf("[Scheduler] Reminder dispatch failed: %v", err)
		}
	}

	gs.lastMu.Lock()
	gs.lastRun = now
	gs.lastMu.Unlock()
}

// RunNow triggers an immediate check (for testing/admin).
func (gs *GenerationScheduler) RunNow() {
	gs.checkAndProcess()
}

// LastRunTime returns when the last check started, zero if none ran.
func (gs *GenerationScheduler) LastRunTime() time.Time {
	gs.lastMu.Lock()
	defer gs.lastMu.Unlock()
	return gs.lastRun
}

// NextRunTime returns when the next scheduled check will occur.
func (gs *GenerationScheduler) NextRunTime() time.Time {
	last := gs.LastRunTime()
	if last.IsZero() {
		return gs.Clock.Now()
	}
	return last.Add(gs.CheckInterval)
}

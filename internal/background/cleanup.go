package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepFunc removes stale entries at now and returns how many it removed
type SweepFunc func(ctx context.Context, now time.Time) (int, error)

// Task is one periodic cleanup job
type Task struct {
	Name     string
	Interval time.Duration
	Sweep    SweepFunc
}

// CleanupManager runs cleanup tasks on their own tickers until stopped
type CleanupManager struct {
	tasks   []Task
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewCleanupManager creates a new cleanup manager. Tasks with a non-positive
// interval are skipped.
func NewCleanupManager(logger *slog.Logger, tasks ...Task) *CleanupManager {
	active := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Interval <= 0 || t.Sweep == nil {
			logger.Warn("cleanup task disabled", slog.String("task", t.Name))
			continue
		}
		active = append(active, t)
	}
	return &CleanupManager{
		tasks:   active,
		logger:  logger,
		timeout: 30 * time.Second,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start launches one goroutine per task and returns immediately
func (cm *CleanupManager) Start(ctx context.Context) {
	for _, t := range cm.tasks {
		cm.wg.Add(1)
		go cm.loop(ctx, t)
	}
}

func (cm *CleanupManager) loop(ctx context.Context, t Task) {
	defer cm.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.run(ctx, t)

	for {
		select {
		case <-ticker.C:
			cm.run(ctx, t)
		case <-cm.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce runs every task a single time
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	for _, t := range cm.tasks {
		cm.run(ctx, t)
	}
}

func (cm *CleanupManager) run(ctx context.Context, t Task) {
	runCtx, cancel := context.WithTimeout(ctx, cm.timeout)
	defer cancel()

	removed, err := t.Sweep(runCtx, cm.now())
	if err != nil {
		cm.logger.Error("cleanup failed", slog.String("task", t.Name), slog.Any("error", err))
		return
	}
	if removed > 0 {
		cm.logger.Info("cleanup completed", slog.String("task", t.Name), slog.Int("removed", removed))
	}
}

// Stop signals every task to stop and waits for in-flight runs
func (cm *CleanupManager) Stop() {
	cm.once.Do(func() { close(cm.stopCh) })
	cm.wg.Wait()
	cm.logger.Info("cleanup manager stopped")
}

// Counted adapts a sweep that cannot fail
func Counted(sweep func(ctx context.Context, now time.Time) int) SweepFunc {
	return func(ctx context.Context, now time.Time) (int, error) {
		return sweep(ctx, now), nil
	}
}

package providers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// refreshBurst bounds how many refresh runs may fire back-to-back after a
// stall.
const refreshBurst = 1

// Refresher periodically invokes provider refresh jobs to pull
// externally-known quota baselines into the usage state. Each provider runs
// on its own ticker; a rate limiter keeps a misbehaving job from hammering
// upstream after scheduling hiccups.
type Refresher struct {
	dispatcher *HookDispatcher
	updater    QuotaUpdater
	logger     *slog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewRefresher creates a background refresher.
func NewRefresher(dispatcher *HookDispatcher, updater QuotaUpdater, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		dispatcher: dispatcher,
		updater:    updater,
		logger:     logger,
	}
}

// Start launches the refresh loop for a provider, if it exposes a refresh
// job. Returns true when a loop was started.
func (r *Refresher) Start(ctx context.Context, provider string) bool {
	instance := r.dispatcher.Instance(provider)
	if instance == nil {
		return false
	}
	job, ok := instance.(RefreshJob)
	if !ok {
		return false
	}

	interval := job.RefreshInterval()
	if interval <= 0 {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels = append(r.cancels, cancel)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(loopCtx, provider, job, interval)
	return true
}

// Stop cancels all refresh loops and waits for them to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Refresher) loop(ctx context.Context, provider string, job RefreshJob, interval time.Duration) {
	defer r.wg.Done()

	limiter := rate.NewLimiter(rate.Every(interval), refreshBurst)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !limiter.Allow() {
				continue
			}
			r.runOnce(ctx, provider, job)
		}
	}
}

func (r *Refresher) runOnce(ctx context.Context, provider string, job RefreshJob) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Provider refresh job panicked",
				"provider", provider, "panic", rec)
		}
	}()

	if err := job.Refresh(ctx, r.updater); err != nil {
		r.logger.Warn("Provider refresh failed",
			"provider", provider, "err", err)
	}
}

package scraper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stackradar/knowledge-engine/pkg/logger"
)

var (
	// ErrPoolClosed is returned when the pool has been shut down.
	ErrPoolClosed = errors.New("browser pool is closed")
	// ErrNoHealthyBrowser is returned when every slot is dead or restarting.
	ErrNoHealthyBrowser = errors.New("no healthy browser available")
)

const restartTimeout = 30 * time.Second

// Pool maintains a fixed set of long-lived browsers. A round-robin cursor
// spreads scrapes across slots and a weighted semaphore bounds total
// in-flight pages. Dead slots are skipped and restarted in the background,
// with at most one restart task per slot at a time.
type Pool struct {
	cfg    *Config
	launch Factory
	log    *slog.Logger

	mu         sync.Mutex
	slots      []Browser // nil while a slot has no live browser
	requests   []int     // scrapes served since last successful restart
	restarting []bool
	cursor     int
	active     int
	closed     bool

	sem       *semaphore.Weighted
	restartWG sync.WaitGroup
}

// NewPool creates a pool; no browsers are launched until Start.
func NewPool(cfg *Config, launch Factory, log *slog.Logger) *Pool {
	return &Pool{
		cfg:        cfg,
		launch:     launch,
		log:        log.With(logger.Scope("scraper.pool")),
		slots:      make([]Browser, cfg.BrowserCount),
		requests:   make([]int, cfg.BrowserCount),
		restarting: make([]bool, cfg.BrowserCount),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentPages)),
	}
}

// Start launches every slot. A slot that fails to launch is left empty and
// retried on first use; startup only fails when no browser comes up at all.
func (p *Pool) Start(ctx context.Context) error {
	launched := 0
	for i := range p.slots {
		b, err := p.launch(ctx)
		if err != nil {
			p.log.Error("browser launch failed", slog.Int("slot", i), logger.Error(err))
			continue
		}
		p.mu.Lock()
		p.slots[i] = b
		p.mu.Unlock()
		launched++
	}
	if launched == 0 {
		return errors.New("no browser could be launched")
	}
	p.log.Info("browser pool started",
		slog.Int("launched", launched),
		slog.Int("slots", len(p.slots)),
	)
	return nil
}

// Acquire reserves a page permit and picks the next healthy browser. The
// returned slot index must be passed back to Release.
func (p *Pool) Acquire(ctx context.Context) (Browser, int, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.sem.Release(1)
		return nil, 0, ErrPoolClosed
	}

	for range p.slots {
		idx := p.cursor
		p.cursor = (p.cursor + 1) % len(p.slots)

		b := p.slots[idx]
		if b == nil || !b.Healthy() {
			p.scheduleRestartLocked(idx)
			continue
		}
		p.active++
		return b, idx, nil
	}

	p.sem.Release(1)
	return nil, 0, ErrNoHealthyBrowser
}

// Release returns a permit and counts the scrape against the slot. A closed
// browser, or a slot that has hit the recycle limit, is restarted in the
// background; the caller's request is never retried here.
func (p *Pool) Release(idx int, browserClosed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--
	p.requests[idx]++

	switch {
	case browserClosed:
		p.log.Warn("browser connection lost during scrape", slog.Int("slot", idx))
		p.scheduleRestartLocked(idx)
	case p.cfg.RecycleAfterRequests > 0 && p.requests[idx] >= p.cfg.RecycleAfterRequests:
		p.log.Info("recycling browser",
			slog.Int("slot", idx),
			slog.Int("requests", p.requests[idx]),
		)
		p.scheduleRestartLocked(idx)
	}

	p.sem.Release(1)
}

// ActivePages reports current in-flight scrapes.
func (p *Pool) ActivePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// scheduleRestartLocked starts a background restart for the slot unless one
// is already in flight. Caller holds p.mu.
func (p *Pool) scheduleRestartLocked(idx int) {
	if p.restarting[idx] || p.closed {
		return
	}
	p.restarting[idx] = true
	p.restartWG.Add(1)
	go p.restart(idx)
}

func (p *Pool) restart(idx int) {
	defer p.restartWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()

	p.mu.Lock()
	old := p.slots[idx]
	p.slots[idx] = nil
	p.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			p.log.Warn("closing dead browser", slog.Int("slot", idx), logger.Error(err))
		}
	}

	b, err := p.launch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarting[idx] = false

	if err != nil {
		// Counter is left as-is so the slot keeps getting skipped until a
		// later restart succeeds.
		p.log.Error("browser restart failed", slog.Int("slot", idx), logger.Error(err))
		return
	}
	if p.closed {
		_ = b.Close()
		return
	}
	p.slots[idx] = b
	p.requests[idx] = 0
	p.log.Info("browser restarted", slog.Int("slot", idx))
}

// Close drains active pages up to the shutdown grace window, then closes
// every browser. Safe to call once.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	deadline := time.Now().Add(p.cfg.ShutdownGrace())
	for time.Now().Before(deadline) {
		if p.ActivePages() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Time{}
		case <-time.After(100 * time.Millisecond):
		}
	}

	p.restartWG.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.slots {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			p.log.Warn("closing browser", slog.Int("slot", i), logger.Error(err))
		}
		p.slots[i] = nil
	}
	p.log.Info("browser pool closed")
}

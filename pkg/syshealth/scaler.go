package syshealth

import (
	"math"
	"sync"
	"time"
)

// ConcurrencyScaler adjusts worker concurrency based on system health
type ConcurrencyScaler struct {
	monitor    Monitor
	workerType string

	// State tracking
	mu                 sync.Mutex
	enabled            bool
	minConcurrency     int
	maxConcurrency     int
	currentConcurrency int
	lastAdjustment     time.Time
}

// NewConcurrencyScaler creates a new ConcurrencyScaler
func NewConcurrencyScaler(monitor Monitor, workerType string, enabled bool, min, max int) *ConcurrencyScaler {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}

	return &ConcurrencyScaler{
		monitor:            monitor,
		workerType:         workerType,
		enabled:            enabled,
		minConcurrency:     min,
		maxConcurrency:     max,
		currentConcurrency: max, // start at max, will scale down if needed
		lastAdjustment:     time.Now(),
	}
}

// UpdateConfig replaces the scaler bounds at runtime. Current concurrency is
// clamped into the new range.
func (s *ConcurrencyScaler) UpdateConfig(enabled bool, min, max int) {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled = enabled
	s.minConcurrency = min
	s.maxConcurrency = max
	if s.currentConcurrency < min {
		s.currentConcurrency = min
	}
	if s.currentConcurrency > max {
		s.currentConcurrency = max
	}
}

// GetConcurrency returns the currently allowed concurrency based on health
func (s *ConcurrencyScaler) GetConcurrency(staticValue int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return staticValue
	}

	health := s.monitor.GetHealth()
	now := time.Now()
	timeSinceLastAdj := now.Sub(s.lastAdjustment)

	// Stale health data is treated as a warning, not a free pass
	zone := health.Zone
	if health.Stale {
		zone = HealthZoneWarning
	}

	targetConcurrency := s.currentConcurrency

	switch zone {
	case HealthZoneCritical:
		targetConcurrency = s.minConcurrency
	case HealthZoneWarning:
		// 50% of max
		targetConcurrency = int(math.Max(float64(s.minConcurrency), float64(s.maxConcurrency)*0.5))
	case HealthZoneSafe:
		targetConcurrency = s.maxConcurrency
	}

	if targetConcurrency < s.currentConcurrency {
		// Decreasing: 1 min cooldown, bypassed in the critical zone
		if zone == HealthZoneCritical {
			s.applyLocked(targetConcurrency, now, "critical")
			JobsThrottled.WithLabelValues(s.workerType).Inc()
		} else if timeSinceLastAdj >= 1*time.Minute {
			s.applyLocked(targetConcurrency, now, string(zone))
		}
	} else if targetConcurrency > s.currentConcurrency {
		// Increasing: 5 min cooldown, at most +50% per step
		if timeSinceLastAdj >= 5*time.Minute {
			maxIncrease := int(math.Max(1.0, float64(s.currentConcurrency)*0.5))
			next := int(math.Min(float64(targetConcurrency), float64(s.currentConcurrency+maxIncrease)))
			s.applyLocked(next, now, string(zone))
		}
	}

	// Final safety bounds check
	if s.currentConcurrency < s.minConcurrency {
		s.currentConcurrency = s.minConcurrency
	}
	if s.currentConcurrency > s.maxConcurrency {
		s.currentConcurrency = s.maxConcurrency
	}

	return s.currentConcurrency
}

func (s *ConcurrencyScaler) applyLocked(target int, now time.Time, reason string) {
	direction := "down"
	if target > s.currentConcurrency {
		direction = "up"
	}
	s.currentConcurrency = target
	s.lastAdjustment = now

	WorkerConcurrency.WithLabelValues(s.workerType).Set(float64(target))
	WorkerAdjustments.WithLabelValues(s.workerType, direction, reason).Inc()
}

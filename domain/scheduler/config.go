package scheduler

import (
	"os"
	"strconv"
	"time"
)

// Config holds scheduler configuration
type Config struct {
	// Enabled controls whether the scheduler runs
	Enabled bool

	// StaleJobSweepInterval is the interval for recovering jobs stuck in a
	// non-terminal state
	StaleJobSweepInterval time.Duration

	// DLQSweepInterval is the interval for checking dead-letter depth
	DLQSweepInterval time.Duration

	// JobCleanupInterval is the interval for deleting old finished jobs
	JobCleanupInterval time.Duration

	// QueueDepthInterval is the interval for refreshing queue depth gauges
	QueueDepthInterval time.Duration

	// CacheStatsInterval is the interval for refreshing classifier
	// embedding-cache gauges
	CacheStatsInterval time.Duration

	// Cron schedule overrides (take precedence over intervals when set)
	// Cron format: "second minute hour day-of-month month day-of-week"
	// Examples: "0 */5 * * * *" (every 5 min), "0 0 2 * * *" (daily at 2am)
	StaleJobSweepSchedule string
	DLQSweepSchedule      string
	JobCleanupSchedule    string
	QueueDepthSchedule    string
	CacheStatsSchedule    string
}

// NewConfig creates a new Config from environment variables
func NewConfig() *Config {
	return &Config{
		Enabled:               getEnvBool("KE_SCHEDULER_ENABLED", true),
		StaleJobSweepInterval: getEnvDuration("KE_STALE_JOB_SWEEP_INTERVAL_MS", 5*time.Minute),
		DLQSweepInterval:      getEnvDuration("KE_DLQ_SWEEP_INTERVAL_MS", 10*time.Minute),
		JobCleanupInterval:    getEnvDuration("KE_JOB_CLEANUP_INTERVAL_MS", 6*time.Hour),
		QueueDepthInterval:    getEnvDuration("KE_QUEUE_DEPTH_INTERVAL_MS", time.Minute),
		CacheStatsInterval:    getEnvDuration("KE_CACHE_STATS_INTERVAL_MS", 5*time.Minute),
		// Cron schedule overrides (empty string means use interval)
		StaleJobSweepSchedule: getEnvString("KE_STALE_JOB_SWEEP_SCHEDULE", ""),
		DLQSweepSchedule:      getEnvString("KE_DLQ_SWEEP_SCHEDULE", ""),
		JobCleanupSchedule:    getEnvString("KE_JOB_CLEANUP_SCHEDULE", ""),
		QueueDepthSchedule:    getEnvString("KE_QUEUE_DEPTH_SCHEDULE", ""),
		CacheStatsSchedule:    getEnvString("KE_CACHE_STATS_SCHEDULE", ""),
	}
}

// getEnvBool returns a boolean from an environment variable
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration returns a duration from an environment variable (in milliseconds)
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

// getEnvString returns a string from an environment variable
func getEnvString(key string, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

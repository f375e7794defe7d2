package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.max_retries")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Turn timeout bounds
const (
	minTurnTimeout = 100 * time.Millisecond
	maxTurnTimeout = 10 * time.Minute
)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidProviderBackends returns the list of valid provider backends
func ValidProviderBackends() []string {
	return []string{"scripted", "http"}
}

// ValidStorageDrivers returns the list of valid storage drivers
func ValidStorageDrivers() []string {
	return []string{"sqlite", "memory"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateProvider()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateScheduler validates the SchedulerConfig
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	if c.Scheduler.MaxRetries < 0 || c.Scheduler.MaxRetries > 10 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_retries",
			Value:   c.Scheduler.MaxRetries,
			Message: "must be between 0 and 10",
		})
	}

	timeout := c.Scheduler.TurnTimeout()
	if timeout < minTurnTimeout || timeout > maxTurnTimeout {
		errors = append(errors, ValidationError{
			Field:   "scheduler.turn_timeout_ms",
			Value:   c.Scheduler.TurnTimeoutMs,
			Message: fmt.Sprintf("must be between %s and %s", minTurnTimeout, maxTurnTimeout),
		})
	}

	if c.Scheduler.MaxIterations < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_iterations",
			Value:   c.Scheduler.MaxIterations,
			Message: "must be non-negative",
		})
	}

	if c.Scheduler.ContextWindowSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.context_window_size",
			Value:   c.Scheduler.ContextWindowSize,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateProvider validates the ProviderConfig
func (c *Config) validateProvider() []ValidationError {
	var errors []ValidationError

	if !stringIn(c.Provider.Backend, ValidProviderBackends()) {
		errors = append(errors, ValidationError{
			Field:   "provider.backend",
			Value:   c.Provider.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidProviderBackends(), ", ")),
		})
	}

	if c.Provider.Backend == "http" && c.Provider.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "provider.base_url",
			Value:   c.Provider.BaseURL,
			Message: "required for the http backend",
		})
	}

	if c.Provider.MaxAttempts < 1 || c.Provider.MaxAttempts > 10 {
		errors = append(errors, ValidationError{
			Field:   "provider.max_attempts",
			Value:   c.Provider.MaxAttempts,
			Message: "must be between 1 and 10",
		})
	}

	if c.Provider.BackoffMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "provider.backoff_ms",
			Value:   c.Provider.BackoffMs,
			Message: "must be non-negative",
		})
	}

	if c.Provider.RequestsPerMinute < 0 {
		errors = append(errors, ValidationError{
			Field:   "provider.requests_per_minute",
			Value:   c.Provider.RequestsPerMinute,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateStorage validates the StorageConfig
func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError

	if !stringIn(c.Storage.Driver, ValidStorageDrivers()) {
		errors = append(errors, ValidationError{
			Field:   "storage.driver",
			Value:   c.Storage.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStorageDrivers(), ", ")),
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !stringIn(c.Logging.Level, ValidLogLevels()) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

func stringIn(s string, set []string) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
